package models

// EntityLinkingFeedback is a human decision that two entities do or do not co-refer.
type EntityLinkingFeedback struct {
	Src    EntityDataKey `json:"src" validate:"required"`
	Dst    EntityDataKey `json:"dst" validate:"required"`
	Linked bool          `json:"linked"`
}

// Pair returns the canonical storage key of the feedback.
func (f EntityLinkingFeedback) Pair() EntityKeyPair {
	return NewEntityKeyPair(f.Src, f.Dst)
}

// IsSelfPair reports whether src and dst name the same entity key.
func (f EntityLinkingFeedback) IsSelfPair() bool {
	return f.Src.EntityKeyID == f.Dst.EntityKeyID
}

// Canonical returns the feedback with src and dst in canonical pair order.
func (f EntityLinkingFeedback) Canonical() EntityLinkingFeedback {
	p := f.Pair()
	return EntityLinkingFeedback{Src: p.First(), Dst: p.Second(), Linked: f.Linked}
}

// EntityLinkingFeatures joins a feedback decision to the features computed for its pair.
type EntityLinkingFeatures struct {
	Feedback EntityLinkingFeedback `json:"entityLinkingFeedback"`
	Features map[string]float64    `json:"features"`
}
