package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PredictRequest is the payload sent to an external predictor.
type PredictRequest struct {
	ModelVersion string `json:"modelVersion"`
	Input
}

// PredictResponse is the predictor's reply. A non-empty Error fails the run.
type PredictResponse struct {
	Score         float64                   `json:"score"`
	Contributions []domain.RuleContribution `json:"contributions,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

// RemoteModel delegates scoring to an external predictor over the event bus.
// Each version has its own request topic.
type RemoteModel struct {
	version string
	bus     domain.EventBus
}

// NewRemoteModel creates a model served by an external predictor.
func NewRemoteModel(version string, bus domain.EventBus) *RemoteModel {
	return &RemoteModel{version: version, bus: bus}
}

// PredictTopic returns the request topic for a model version.
func PredictTopic(version string) string {
	return domain.TopicModelPredict + "." + version
}

// Version implements Model.
func (m *RemoteModel) Version() string { return m.version }

// Score implements Model. The caller's deadline bounds the request; an
// expired deadline is reported as ErrScoringTimeout.
func (m *RemoteModel) Score(ctx context.Context, in Input) (float64, []domain.RuleContribution, error) {
	payload, err := json.Marshal(PredictRequest{ModelVersion: m.version, Input: in})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	reply, err := m.bus.Request(ctx, PredictTopic(m.version), payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("%w: model %s: %v", domain.ErrScoringTimeout, m.version, err)
		}
		return 0, nil, fmt.Errorf("model %s request failed: %w", m.version, err)
	}

	var resp PredictResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return 0, nil, fmt.Errorf("model %s returned malformed reply: %w", m.version, err)
	}
	if resp.Error != "" {
		return 0, nil, fmt.Errorf("model %s: %s", m.version, resp.Error)
	}
	return resp.Score, resp.Contributions, nil
}

// ServeRemote answers predict requests for version using model until ctx is
// done or the returned subscription is dropped.
func ServeRemote(ctx context.Context, bus domain.EventBus, version string, model Model) (domain.Subscription, error) {
	return bus.Subscribe(ctx, PredictTopic(version), func(ctx context.Context, msg *domain.Message) error {
		var req PredictRequest
		var resp PredictResponse

		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			resp.Error = "malformed request: " + err.Error()
		} else {
			score, contributions, err := model.Score(ctx, req.Input)
			if err != nil {
				resp.Error = err.Error()
			}
			resp.Score = score
			resp.Contributions = contributions
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to marshal predict response: %w", err)
		}
		if err := bus.Respond(ctx, msg, data); err != nil {
			slog.Error("failed to respond to predict request",
				"model_version", version,
				"message_id", msg.ID,
				"error", err,
			)
			return err
		}
		return nil
	})
}
