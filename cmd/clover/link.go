package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/startup"
)

// importFile is the --import payload: entity sets with their raw entities.
type importFile struct {
	EntitySets []struct {
		models.EntitySet
		Entities map[uuid.UUID]map[string][]any `json:"entities"`
	} `json:"entitySets"`
}

func linkCommand(c *cli) *cobra.Command {
	var importPath string

	cmd := &cobra.Command{
		Use:   "link [entity-set-id...]",
		Short: "Link the given entity sets, or every linkable set, until nothing is left to link",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid entity set id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			a := &app{cfg: c.cfg, logger: c.logger}
			s := startup.New(c.logger, c.cfg.StartupMaxAttempts)
			for _, dep := range a.dependencies() {
				s.AddDependency(dep)
			}
			if err := s.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := shutdownContext()
				defer cancel()
				a.close()
				_ = s.Stop(stopCtx)
			}()

			if importPath != "" {
				imported, err := a.importEntities(ctx, importPath)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					ids = imported
				}
			}

			if err := a.linker.RunUntilFinished(ctx, ids); err != nil {
				return err
			}
			return a.report(ctx, ids)
		},
	}
	cmd.Flags().StringVar(&importPath, "import", "", "JSON file of entity sets to ingest before linking")
	return cmd
}

func (a *app) importEntities(ctx context.Context, path string) ([]uuid.UUID, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read import file: %w", err)
	}
	var file importFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse import file: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(file.EntitySets))
	for _, set := range file.EntitySets {
		if err := a.linking.RegisterEntitySet(ctx, set.EntitySet); err != nil {
			return nil, err
		}
		if len(set.Entities) > 0 {
			if _, err := a.processor.Ingest(ctx, set.ID, set.Entities); err != nil {
				return nil, err
			}
		}
		ids = append(ids, set.ID)
	}
	return ids, nil
}

// report logs the linking status of each set and the clusters they hold.
func (a *app) report(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		var err error
		ids, err = a.linking.GetLinkableEntitySets(ctx, a.cfg.LinkingTypes, nil, nil)
		if err != nil {
			return err
		}
	}
	for _, id := range ids {
		st, err := a.linker.Status(ctx, id)
		if err != nil {
			return err
		}
		a.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_set_id": id.String(),
			"status":        st.Status,
			"needs_linking": st.NeedsLinking,
		}).Info("Entity set linking status")
	}

	clusters, err := a.linking.SearchLinkedEntities(ctx, ids)
	if err != nil {
		return err
	}
	a.logger.WithContext(ctx).WithField("clusters", len(clusters)).Info("Linking finished")
	return nil
}
