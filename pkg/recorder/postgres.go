package recorder

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/scalelab/hpa-bench/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRecorder mirrors the CSV output into a database so runs can be
// compared with SQL instead of stitching files together.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*PostgresRecorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &PostgresRecorder{db: db}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return r, nil
}

func (r *PostgresRecorder) migrate() error {
	schema, err := migrationsFS.ReadFile("migrations/001_experiment_schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	if _, err := r.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Append(ctx context.Context, rec *models.ExperimentRecord) error {
	// Records are immutable at the sink; a missing run ID is a caller bug,
	// not something to paper over here.
	if rec.RunID == "" {
		return fmt.Errorf("record has no run id")
	}

	query := `
		INSERT INTO experiment_records (
			run_id, tick, timestamp, mode,
			current_replicas, ready_replicas,
			cpu_millicores, memory_mebibytes,
			cpu_request_millicores, memory_request_mebibytes,
			pod_count, partial_metrics,
			sim_desired, sim_raw_desired, sim_cpu_desired, sim_mem_desired,
			sim_cpu_ratio, sim_mem_ratio, sim_action,
			hpa_current_replicas, hpa_desired_replicas,
			ai_recommended_replicas, ai_predicted_cpu_millicores,
			ai_predicted_memory_mebibytes, ai_confidence, ai_reasoning,
			applied_replicas, applied_by, skip_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`

	var simDesired, simRaw, simCPU, simMem *int
	var simCPURatio, simMemRatio *float64
	var simAction *string
	if sim := rec.Simulator; sim != nil {
		simDesired, simRaw = &sim.DesiredReplicas, &sim.RawDesired
		simCPU, simMem = &sim.CPUDesired, &sim.MemDesired
		simCPURatio, simMemRatio = &sim.CPURatio, &sim.MemRatio
		action := string(sim.Action)
		simAction = &action
	}

	var hpaCurrent, hpaDesired *int
	if rec.Cluster.NativeAutoscalerEnabled {
		hpaCurrent = &rec.Cluster.NativeAutoscalerCurrent
		hpaDesired = &rec.Cluster.NativeAutoscalerDesired
	}

	var aiDesired *int
	var aiCPU, aiMem, aiConfidence *float64
	var aiReasoning *string
	if ai, pred := rec.AI, rec.Prediction; ai != nil && pred != nil {
		aiDesired = &ai.DesiredReplicas
		aiCPU, aiMem = &pred.PredictedCPUMillicores, &pred.PredictedMemoryMebibytes
		aiConfidence = &pred.Confidence
		aiReasoning = &pred.Reasoning
	}

	_, err := r.db.ExecContext(ctx, query,
		rec.RunID, rec.Tick, rec.Timestamp.UTC(), rec.Mode,
		rec.Cluster.CurrentReplicas, rec.Cluster.ReadyReplicas,
		rec.Metrics.AvgCPUMillicores, rec.Metrics.AvgMemoryMebibytes,
		rec.Metrics.CPURequestMillicores, rec.Metrics.MemoryRequestMebibytes,
		rec.Metrics.ReplicaCount, rec.Metrics.Partial,
		simDesired, simRaw, simCPU, simMem,
		simCPURatio, simMemRatio, simAction,
		hpaCurrent, hpaDesired,
		aiDesired, aiCPU, aiMem, aiConfidence, aiReasoning,
		rec.AppliedReplicas, string(rec.AppliedBy), rec.SkipReason,
	)
	return err
}

// Ping checks database connectivity.
func (r *PostgresRecorder) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRecorder) Close() error {
	return r.db.Close()
}
