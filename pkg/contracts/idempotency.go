package contracts

import "time"

// IdempotencyResult binds a caller-supplied key to the first execution
// payload produced under it. The key is consumed read-before-write: two
// writers racing on the same key observe the same payload.
type IdempotencyResult struct {
	Key       string         `json:"key"`
	RunID     string         `json:"run_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
