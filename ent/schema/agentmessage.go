package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AgentMessage holds the schema definition for the AgentMessage entity.
type AgentMessage struct {
	ent.Schema
}

// Fields of the AgentMessage.
func (AgentMessage) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("message_id").
			Unique().
			Immutable(),
		field.String("run_id").
			Immutable(),
		field.String("thread_id").
			Optional().
			Nillable(),
		field.Enum("sender").
			Values("user", "agent", "system"),
		field.Enum("type").
			Values("message", "status", "error", "quiz", "pr_ready", "pr_created").
			Default("message"),
		field.Text("content"),
		field.Bool("consumed").
			Default(false).
			Comment("User messages already collected as context for a later stage"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the AgentMessage.
func (AgentMessage) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", AgentRun.Type).
			Ref("messages").
			Field("run_id").
			Unique().
			Required().
			Immutable(),
		edge.From("thread", AgentThread.Type).
			Ref("messages").
			Field("thread_id").
			Unique(),
	}
}

// Indexes of the AgentMessage.
func (AgentMessage) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("run_id", "created_at"),
		index.Fields("thread_id", "created_at"),
		index.Fields("sender", "consumed"),
	}
}
