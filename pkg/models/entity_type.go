package models

// EntityTypeSchema describes the properties entities of one type may carry.
type EntityTypeSchema struct {
	Properties map[string]PropertyDefinition `json:"properties" yaml:"properties"`
	Required   []string                      `json:"required,omitempty" yaml:"required,omitempty"`
}

// PropertyDefinition defines a single property in the entity schema
type PropertyDefinition struct {
	Type        string `json:"type" yaml:"type"`                                 // string, number, integer, boolean
	Format      string `json:"format,omitempty" yaml:"format,omitempty"`         // email, date, phone, uuid, uri
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// MaxValues caps how many values an entity may hold for the property, 0 for no cap
	MaxValues int `json:"max_values,omitempty" yaml:"max_values,omitempty"`
}
