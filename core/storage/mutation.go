package storage

import (
	"github.com/asaidimu/go-loom/core/schema"
)

// Procedure identifies the write operation a mutation record describes.
type Procedure string

// Supported procedures.
const (
	ProcedureInsert Procedure = "INSERT"
	ProcedureUpdate Procedure = "UPDATE"
)

// MutationEventType is the event-bus topic for committed mutations.
const MutationEventType = "MUTATE"

// Mutation records one accepted write: the fields that won their merge, with
// their metadata, plus the post-merge row. Mutations are buffered inside
// transactions and handed to the subscriber sink when the outermost
// transaction commits.
type Mutation struct {
	ID         string                    `json:"id"`
	Type       string                    `json:"type"`
	Resource   string                    `json:"resource"`
	ResourceID string                    `json:"resourceId"`
	Procedure  Procedure                 `json:"procedure"`
	Payload    map[string]schema.Encoded `json:"payload"`
	Row        map[string]any            `json:"-"`
}
