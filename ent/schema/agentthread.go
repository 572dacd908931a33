package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AgentThread holds the schema definition for the AgentThread entity.
type AgentThread struct {
	ent.Schema
}

// Fields of the AgentThread.
func (AgentThread) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("thread_id").
			Unique().
			Immutable(),
		field.String("project_id").
			Immutable(),
		field.String("agent_id"),
		field.String("title"),
		field.Enum("mode").
			Values("chat", "work").
			Default("chat"),
		field.Enum("status").
			Values("active", "archived").
			Default("active"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the AgentThread.
func (AgentThread) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("project", Project.Type).
			Ref("threads").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
		edge.To("messages", AgentMessage.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("queue_entries", QueueEntry.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the AgentThread.
func (AgentThread) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("agent_id", "mode", "status"),
	}
}
