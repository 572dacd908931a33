package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// QueueEntry holds the schema definition for the QueueEntry entity: one
// prompt waiting to be fed to an agent's work session.
type QueueEntry struct {
	ent.Schema
}

// Fields of the QueueEntry.
func (QueueEntry) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("entry_id").
			Unique().
			Immutable(),
		field.String("agent_id"),
		field.String("thread_id").
			Optional().
			Nillable(),
		field.String("project_id").
			Immutable(),
		field.Text("prompt"),
		field.Enum("status").
			Values("queued", "processing", "completed", "failed").
			Default("queued"),
		field.Int("position").
			Comment("Sparse ordering key, 1024 spacing"),
		field.String("error").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the QueueEntry.
func (QueueEntry) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("project", Project.Type).
			Ref("queue_entries").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
		edge.From("thread", AgentThread.Type).
			Ref("queue_entries").
			Field("thread_id").
			Unique(),
	}
}

// Indexes of the QueueEntry.
func (QueueEntry) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("agent_id", "status", "position"),
	}
}
