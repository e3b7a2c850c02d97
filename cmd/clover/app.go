package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	gocache "github.com/patrickmn/go-cache"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories/blockingkey"
	"github.com/Ramsey-B/clover/internal/repositories/cluster"
	"github.com/Ramsey-B/clover/internal/repositories/entitydata"
	"github.com/Ramsey-B/clover/internal/repositories/entityset"
	feedbackrepo "github.com/Ramsey-B/clover/internal/repositories/feedback"
	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/clustering"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/dataloader"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/feedback"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/linking"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/processor"
	"github.com/Ramsey-B/clover/pkg/realtime"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/schema"
	"github.com/Ramsey-B/clover/pkg/startup"
)

const loaderConcurrency = 4

// app holds the connections and services of one process.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	db       database.DB
	redis    *redis.Client
	graph    *graph.Client
	producer *kafka.Producer

	store     dataloader.EntityStore
	linking   linking.Service
	feedback  *feedback.Service
	blocker   *blocking.Blocker
	processor *processor.Processor
	linker    *realtime.Linker
}

// dependencies returns the startup graph that connects backing services and
// then builds the linking services on top of them.
func (a *app) dependencies() []startup.Dependency {
	deps := make([]startup.Dependency, 0, 4)
	services := startup.Func{Name: "services", StartFunc: a.build}

	if a.cfg.LinkingStore == config.StorePostgres {
		deps = append(deps, startup.Func{
			Name: "database",
			StartFunc: func(ctx context.Context) error {
				if a.db != nil {
					return nil
				}
				db, err := database.Connect(ctx, a.cfg.Database(), a.logger)
				if err != nil {
					return err
				}
				a.db = db
				return nil
			},
			StopFunc: func(context.Context) error { return a.db.Close() },
		})
		services.After = append(services.After, "database")
	}

	if a.cfg.LinkingLocker == config.LockerRedis {
		deps = append(deps, startup.Func{
			Name: "redis",
			StartFunc: func(ctx context.Context) error {
				if a.redis != nil {
					return nil
				}
				client, err := redis.NewClient(a.cfg.Redis(), a.logger)
				if err != nil {
					return err
				}
				a.redis = client
				return nil
			},
			StopFunc: func(context.Context) error { return a.redis.Close() },
		})
		services.After = append(services.After, "redis")
	}

	if a.cfg.GraphDBEnabled {
		deps = append(deps, startup.Func{
			Name: "graph",
			StartFunc: func(ctx context.Context) error {
				if a.graph == nil {
					client, err := graph.NewClient(a.cfg.Graph(), a.logger)
					if err != nil {
						return err
					}
					a.graph = client
				}
				return a.graph.VerifyConnectivity(ctx)
			},
			StopFunc: func(ctx context.Context) error { return a.graph.Close(ctx) },
		})
		services.After = append(services.After, "graph")
	}

	return append(deps, services)
}

// build wires the linking services. Backing connections are already open.
func (a *app) build(ctx context.Context) error {
	if a.linker != nil {
		return nil
	}
	cfg := a.cfg
	registry := normalizers.NewRegistry()

	matcher, err := a.buildMatcher(registry)
	if err != nil {
		return err
	}

	spec := blocking.DefaultPersonSpec()
	if cfg.BlockingSpecPath != "" {
		if spec, err = blocking.LoadSpec(cfg.BlockingSpecPath); err != nil {
			return err
		}
	}
	if err := spec.Validate(registry); err != nil {
		return err
	}

	var (
		index    blocking.Index
		fbStore  feedback.Store
		locker   lock.Locker
		linkSvc  linking.Service
		entities dataloader.EntityStore
	)

	switch cfg.LinkingStore {
	case config.StorePostgres:
		store := entitydata.NewRepository(a.db, a.logger)
		entities = store
		linkSvc = linking.NewPostgresService(a.logger, store, entityset.NewRepository(a.db, a.logger), cluster.NewRepository(a.db, a.logger))
		index = blockingkey.NewRepository(a.db, a.logger)
		fbStore = feedbackrepo.NewRepository(a.db, a.logger)
	default:
		store := dataloader.NewMemoryStore()
		entities = store
		linkSvc = linking.NewMemoryService(store)
		index = blocking.NewMemoryIndex()
		fbStore = feedback.NewMemoryStore()
	}

	switch cfg.LinkingLocker {
	case config.LockerRedis:
		locker = redis.NewLocker(a.redis, cfg.RedisLockPrefix)
	default:
		locker = lock.NewLocalLocker()
	}

	loader := dataloader.NewParallelLoader(entities, 0, loaderConcurrency)
	blocker := blocking.NewBlocker(spec, registry, index, a.logger)
	fb := feedback.NewService(fbStore, loader, matcher, feedback.NewRequeueReconciler(linkSvc, a.logger), a.logger)

	strategy, err := clustering.StrategyByName(cfg.LinkingStrategy)
	if err != nil {
		return err
	}

	observers := make([]realtime.CommitObserver, 0, 2)
	if cfg.KafkaProducerEnabled {
		a.producer = kafka.NewProducer(cfg.Producer(), a.logger)
		emitter := events.NewEmitter(a.producer, a.logger)
		observers = append(observers, emitter)
		fb.AddListener(emitter)
	}
	if a.graph != nil {
		observers = append(observers, graph.NewProjector(a.graph, a.logger))
	}

	rtCfg, err := cfg.Realtime()
	if err != nil {
		return err
	}
	linker, err := realtime.NewLinker(rtCfg, realtime.Deps{
		Loader:     loader,
		Linking:    linkSvc,
		Clusterer:  clustering.NewClusterer(loader, matcher, a.logger),
		Candidates: blocker,
		Feedback:   fb,
		Locker:     locker,
		Strategy:   strategy,
		Observers:  observers,
	}, a.logger)
	if err != nil {
		return err
	}

	a.store = entities
	a.linking = linkSvc
	a.feedback = fb
	a.blocker = blocker
	a.processor = processor.NewProcessor(a.logger, entities, blocker, linkSvc)
	if cfg.EntitySchemaPath != "" {
		schemas, err := schema.LoadRegistry(cfg.EntitySchemaPath)
		if err != nil {
			return err
		}
		a.processor.WithValidator(schemas)
	}
	a.linker = linker

	a.logger.WithContext(ctx).WithFields(map[string]any{
		"store":     cfg.LinkingStore,
		"locker":    cfg.LinkingLocker,
		"strategy":  cfg.LinkingStrategy,
		"observers": len(observers),
	}).Info("Linking services ready")
	return nil
}

// buildMatcher picks the scoring oracle: a remote model server when one is
// configured, otherwise a local logistic model.
func (a *app) buildMatcher(registry *normalizers.Registry) (*matching.Matcher, error) {
	cfg := a.cfg

	features := matching.DefaultPersonSchema()
	if cfg.FeatureSchemaPath != "" {
		var err error
		if features, err = matching.LoadFeatureSchema(cfg.FeatureSchemaPath); err != nil {
			return nil, err
		}
	}
	if err := features.Validate(registry); err != nil {
		return nil, err
	}

	var oracle matching.Oracle
	switch {
	case cfg.OracleURL != "":
		oracle = matching.NewRemoteOracle(cfg.Oracle(), a.logger)
		if cfg.OracleRateLimit > 0 {
			oracle = matching.NewRateLimitedOracle(oracle, cfg.OracleRateLimit, cfg.OracleRateBurst)
		}
		if cfg.OracleCacheTTL > 0 {
			oracle = matching.NewCachedOracle(oracle, gocache.New(cfg.OracleCacheTTL, 2*cfg.OracleCacheTTL))
		}
	case cfg.ModelPath != "":
		model, err := matching.LoadLogisticModel(cfg.ModelPath, features)
		if err != nil {
			return nil, err
		}
		oracle = model
	case cfg.FeatureSchemaPath == "":
		oracle = matching.DefaultPersonModel()
	default:
		return nil, fmt.Errorf("feature schema %s needs model_path or oracle_url", cfg.FeatureSchemaPath)
	}
	if cfg.OracleTimeout > 0 {
		oracle = matching.NewTimeoutOracle(oracle, cfg.OracleTimeout)
	}

	return matching.NewMatcher(features, registry, oracle, a.logger), nil
}

// close releases what build created outside the startup graph.
func (a *app) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close kafka producer")
		}
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
