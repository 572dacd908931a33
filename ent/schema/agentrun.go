package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AgentRun holds the schema definition for the AgentRun entity. A run is one
// worker execution: a pipeline stage or an interactive work session.
type AgentRun struct {
	ent.Schema
}

// Fields of the AgentRun.
func (AgentRun) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("run_id").
			Unique().
			Immutable(),
		field.String("project_id").
			Immutable(),
		field.String("feature_id").
			Optional().
			Nillable().
			Immutable().
			Comment("Empty for work-session runs"),
		field.String("agent_id").
			Optional().
			Comment("Thread owner for work-session runs"),
		field.Enum("role").
			Values("architect", "coder", "reviewer", "tester", "work"),
		field.Enum("status").
			Values("started", "thinking", "coding", "testing", "reviewing", "completed", "failed").
			Default("started"),
		field.Int("exit_code").
			Optional().
			Nillable(),
		field.String("error_message").
			Optional().
			Nillable(),
		field.Time("started_at").
			Default(time.Now).
			Immutable(),
		field.Time("finished_at").
			Optional().
			Nillable().
			Comment("Set exactly once on terminal completion"),
	}
}

// Edges of the AgentRun.
func (AgentRun) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("project", Project.Type).
			Ref("agent_runs").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
		edge.From("feature", Feature.Type).
			Ref("agent_runs").
			Field("feature_id").
			Unique().
			Immutable(),
		edge.To("messages", AgentMessage.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the AgentRun.
func (AgentRun) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("feature_id", "started_at"),
		index.Fields("status", "finished_at"),
	}
}
