package main

import (
	"context"
	"flag"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"backupflow/backend/internal/config"
	"backupflow/backend/internal/logging"
	"backupflow/backend/internal/metadata"
	"backupflow/backend/internal/repository"
	"backupflow/backend/internal/services"
	"backupflow/backend/pkg/models"
)

func main() {
	ctx := context.Background()

	configFile := flag.String("config", "", "Path to config.yaml")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	// Connect to DB
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	repo := repository.NewPostgresRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	// Seeding never executes anything, so no runner is wired.
	svc := services.NewPipelineService(repo, metadata.NewRepository(repo), nil, nil, logger)

	// 1. Check for existing pipelines to prevent duplicates
	existing, err := svc.ListPipelines(ctx)
	if err != nil {
		log.Fatalf("Failed to list existing pipelines: %v", err)
	}
	byName := make(map[string]string)
	for _, p := range existing {
		byName[p.Name] = p.Pipeline.ID
	}

	// 2. Seed pipelines
	for _, p := range seedPipelines() {
		if id, ok := byName[p.Name]; ok {
			logger.Info("Skipping existing pipeline", "name", p.Name, "id", id)
			continue
		}
		view, err := svc.SavePipeline(ctx, p)
		if err != nil {
			log.Printf("Failed to create pipeline %s: %v", p.Name, err)
			continue
		}
		byName[p.Name] = view.Pipeline.ID
		logger.Info("Seeded pipeline", "name", p.Name, "id", view.Pipeline.ID)
	}

	nightlyID, ok := byName["nightly-orders"]
	if !ok {
		log.Fatalf("nightly-orders pipeline is missing; cannot seed its schedule")
	}

	// 3. Schedule and notification policy for the nightly pipeline
	schedules, err := repo.ListSchedules(ctx)
	if err != nil {
		log.Fatalf("Failed to list schedules: %v", err)
	}
	if !hasSchedule(schedules, nightlyID) {
		s := &models.Schedule{ID: uuid.New().String(), PipelineID: nightlyID, Cron: "0 2 * * *"}
		if err := repo.SaveSchedule(ctx, s); err != nil {
			log.Fatalf("Failed to create schedule: %v", err)
		}
		if _, err := svc.SetActive(ctx, models.KindSchedule, s.ID, true); err != nil {
			log.Fatalf("Failed to activate schedule: %v", err)
		}
		logger.Info("Seeded schedule", "id", s.ID, "cron", s.Cron)
	}

	policies, err := repo.ListNotificationPolicies(ctx)
	if err != nil {
		log.Fatalf("Failed to list notification policies: %v", err)
	}
	if !hasPolicy(policies, nightlyID) {
		n := &models.NotificationPolicy{
			ID:            uuid.New().String(),
			PipelineID:    nightlyID,
			Channel:       "email",
			Target:        "dba-oncall@example.com",
			OnFailureOnly: true,
		}
		if err := repo.SaveNotificationPolicy(ctx, n); err != nil {
			log.Fatalf("Failed to create notification policy: %v", err)
		}
		logger.Info("Seeded notification policy", "id", n.ID, "target", n.Target)
	}

	logger.Info("Seeding complete!")
}

func seedPipelines() []*models.Pipeline {
	return []*models.Pipeline{
		{
			Name: "nightly-orders",
			Steps: []models.Step{
				{ID: "dump", Type: models.StepTypePostgresBackup, Config: map[string]string{"connection": "orders_db", "format": "custom"}},
				{ID: "compress", Type: models.StepTypeCompress, Config: map[string]string{"algorithm": "zstd"}},
				{ID: "encrypt", Type: models.StepTypeEncrypt, Config: map[string]string{"key": "backup_key"}},
				{ID: "offsite", Type: models.StepTypeObjectStorageUpload, Config: map[string]string{"destination": "offsite", "prefix": "orders"}},
			},
			References: []models.Reference{
				{From: "dump", To: "compress"},
				{From: "compress", To: "encrypt"},
				{From: "encrypt", To: "offsite"},
			},
		},
		{
			Name: "weekly-archive",
			Steps: []models.Step{
				{ID: "dump", Type: models.StepTypePostgresBackup, Config: map[string]string{"connection": "orders_db", "format": "plain"}},
				{ID: "gzip", Type: models.StepTypeCompress, Config: map[string]string{"algorithm": "gzip"}},
				{ID: "vault", Type: models.StepTypeSFTPUpload, Config: map[string]string{
					"address":     "vault.internal:22",
					"user":        "backup",
					"password":    "vault_password",
					"remote_dir":  "/srv/archive",
					"known_hosts": "/etc/backupflow/known_hosts",
				}},
			},
			References: []models.Reference{
				{From: "dump", To: "gzip"},
				{From: "gzip", To: "vault"},
			},
		},
	}
}

func hasSchedule(schedules []*models.Schedule, pipelineID string) bool {
	for _, s := range schedules {
		if s.PipelineID == pipelineID {
			return true
		}
	}
	return false
}

func hasPolicy(policies []*models.NotificationPolicy, pipelineID string) bool {
	for _, n := range policies {
		if n.PipelineID == pipelineID {
			return true
		}
	}
	return false
}
