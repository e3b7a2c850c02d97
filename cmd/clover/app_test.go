package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/startup"
)

func testApp(t *testing.T, env map[string]string) *app {
	t.Helper()
	t.Setenv("DEV_MODE", "true")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load("")
	require.NoError(t, err)

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	a := &app{cfg: cfg, logger: logger}
	s := startup.New(logger, 1)
	for _, dep := range a.dependencies() {
		s.AddDependency(dep)
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		a.close()
		_ = s.Stop(context.Background())
	})
	return a
}

func person(first, last, dob, ssn string) map[string][]any {
	return map[string][]any{
		matching.PropertyFirstName: {first},
		matching.PropertyLastName:  {last},
		matching.PropertyBirthDate: {dob},
		matching.PropertySSN:       {ssn},
	}
}

func writeImport(t *testing.T, sets map[uuid.UUID][]map[string][]any) string {
	t.Helper()
	payload := map[string]any{}
	list := make([]map[string]any, 0, len(sets))
	for id, people := range sets {
		entities := make(map[string]map[string][]any, len(people))
		for _, p := range people {
			entities[uuid.NewString()] = p
		}
		list = append(list, map[string]any{
			"id":         id,
			"name":       "set-" + id.String()[:8],
			"entityType": "person",
			"entities":   entities,
		})
	}
	payload["entitySets"] = list

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "import.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestApp_ImportAndLink(t *testing.T) {
	a := testApp(t, nil)
	ctx := context.Background()

	setA, setB := uuid.New(), uuid.New()
	path := writeImport(t, map[uuid.UUID][]map[string][]any{
		setA: {
			person("Jane", "Doe", "1980-04-12", "123-45-6789"),
			person("Robert", "Kowalski", "1962-11-30", "987-65-4321"),
		},
		setB: {
			person("JANE", "DOE", "04/12/1980", "123456789"),
			person("robert", "Kowalski", "Nov 30, 1962", "987 65 4321"),
		},
	})

	ids, err := a.importEntities(ctx, path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{setA, setB}, ids)

	require.NoError(t, a.linker.RunUntilFinished(ctx, ids))
	require.NoError(t, a.report(ctx, ids))

	clusters, err := a.linking.SearchLinkedEntities(ctx, ids)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	for _, kc := range clusters {
		assert.Equal(t, 2, kc.Cluster.Size())
	}

	finished, err := a.linking.GetLinkingFinishedEntitySets(ctx, ids)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, finished)
}

func TestApp_EntitySchemaRejectsImport(t *testing.T) {
	schemaPath := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(schemaPath, []byte(`
person:
  required: [`+matching.PropertyLastName+`]
  properties:
    `+matching.PropertyLastName+`:
      type: string
`), 0o600))

	a := testApp(t, map[string]string{"ENTITY_SCHEMA_PATH": schemaPath})

	incomplete := person("Jane", "", "1980-04-12", "123-45-6789")
	path := writeImport(t, map[uuid.UUID][]map[string][]any{uuid.New(): {incomplete}})

	_, err := a.importEntities(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, linkerr.KindValidation, linkerr.KindOf(err))
}

func TestApp_ImportFileErrors(t *testing.T) {
	a := testApp(t, nil)

	_, err := a.importEntities(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = a.importEntities(context.Background(), bad)
	assert.Error(t, err)
}
