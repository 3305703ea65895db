// Package shadow runs a candidate splitter configuration next to the
// production one on real candidate groups and records how differently the
// two cluster, without ever touching discovery output. Parameter changes
// ship only after their shadow numbers have been reviewed.
package shadow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/internal/engine"
	"github.com/finpulse/recurrence-engine/internal/metrics"
	"github.com/finpulse/recurrence-engine/pkg/models"
)

// Evaluator compares two splitter configurations over the same groups.
type Evaluator struct {
	pool       *pgxpool.Pool
	snapshotID int64 // tags every persisted comparison with the experiment run
	production engine.Params
	candidate  engine.Params
	logger     *zap.Logger
}

// Comparison captures the diff between the production and candidate
// clusterings of one group.
type Comparison struct {
	UserID             uuid.UUID `json:"userId"`
	GroupKey           string    `json:"groupKey"`
	SnapshotID         int64     `json:"snapshotId"`
	ARI                float64   `json:"ari"`
	VI                 float64   `json:"vi"`
	ProductionClusters int       `json:"productionClusters"`
	CandidateClusters  int       `json:"candidateClusters"`
	CreatedAt          time.Time `json:"createdAt"`
}

func NewEvaluator(pool *pgxpool.Pool, snapshotID int64, production, candidate engine.Params, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		pool:       pool,
		snapshotID: snapshotID,
		production: production,
		candidate:  candidate,
		logger:     logger,
	}
}

// EvaluateUser scores every candidate group of a user under both
// configurations. Failures on one group do not stop the rest.
func (e *Evaluator) EvaluateUser(ctx context.Context, txns []models.Transaction, linked map[uuid.UUID]bool) []Comparison {
	groups, _ := engine.BuildCandidateGroups(txns, linked, engine.GroupFilters{}, e.production.MinClusterSize)

	out := make([]Comparison, 0, len(groups))
	for _, g := range groups {
		cmp, err := e.EvaluateGroup(ctx, g)
		if err != nil {
			e.logger.Warn("shadow comparison not persisted",
				zap.String("group_key", g.Key.String()), zap.Error(err))
			continue
		}
		out = append(out, *cmp)
	}
	return out
}

// EvaluateGroup splits one group under both configurations, scores the
// agreement, and persists the comparison.
func (e *Evaluator) EvaluateGroup(ctx context.Context, g engine.Group) (*Comparison, error) {
	prod, _ := engine.SplitClusters(g, e.production)
	cand, _ := engine.SplitClusters(g, e.candidate)

	pa, pb := metrics.AlignPartitions(assignment(prod), assignment(cand))
	cmp := &Comparison{
		UserID:             g.Key.UserID,
		GroupKey:           g.Key.String(),
		SnapshotID:         e.snapshotID,
		ARI:                metrics.AdjustedRandIndex(pa, pb),
		VI:                 metrics.VariationOfInformation(pa, pb),
		ProductionClusters: len(prod),
		CandidateClusters:  len(cand),
		CreatedAt:          time.Now().UTC(),
	}

	if cmp.ARI < 1 {
		e.logger.Info("shadow divergence",
			zap.String("group_key", cmp.GroupKey),
			zap.Float64("ari", cmp.ARI),
			zap.Float64("vi", cmp.VI),
			zap.Int("production_clusters", cmp.ProductionClusters),
			zap.Int("candidate_clusters", cmp.CandidateClusters))
	}

	if e.pool != nil {
		if err := e.persist(ctx, cmp); err != nil {
			return cmp, err
		}
	}
	return cmp, nil
}

func (e *Evaluator) persist(ctx context.Context, cmp *Comparison) error {
	_, err := e.pool.Exec(ctx, `
		INSERT INTO shadow_results
			(user_id, group_key, snapshot_id, ari, vi, production_clusters, shadow_clusters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cmp.UserID, cmp.GroupKey, cmp.SnapshotID, cmp.ARI, cmp.VI,
		cmp.ProductionClusters, cmp.CandidateClusters, cmp.CreatedAt)
	return err
}

// DriftReport aggregates the experiment so far: how many groups were scored,
// how many diverged at all, and the average agreement.
func (e *Evaluator) DriftReport(ctx context.Context) (total, diverged int, avgARI float64, err error) {
	row := e.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE ari < 1.0),
		       COALESCE(AVG(ari), 0)
		FROM shadow_results WHERE snapshot_id = $1`, e.snapshotID)
	err = row.Scan(&total, &diverged, &avgARI)
	return
}

// assignment flattens a clustering into member -> cluster index.
func assignment(clusters []engine.Cluster) map[uuid.UUID]int {
	m := make(map[uuid.UUID]int)
	for i, c := range clusters {
		for _, t := range c.Transactions {
			m[t.ID] = i
		}
	}
	return m
}
