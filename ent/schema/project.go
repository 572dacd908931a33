package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Project holds the schema definition for the Project entity.
type Project struct {
	ent.Schema
}

// Fields of the Project.
func (Project) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("project_id").
			Unique().
			Immutable(),
		field.String("name"),
		field.String("repo_url").
			Comment("Clone URL handed to workers"),
		field.String("default_branch").
			Default("main").
			Comment("Base branch feature branches are cut from"),
		field.Int("max_concurrent_runs").
			Default(2).
			Comment("Per-project pipeline cap"),
		field.Bool("active").
			Default(true).
			Comment("Inactive projects are skipped by the dispatch scan"),
		field.String("tracker_team_id").
			Optional().
			Nillable().
			Comment("External issue tracker team, when syncing is enabled"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Project.
func (Project) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("features", Feature.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("agent_runs", AgentRun.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("threads", AgentThread.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("queue_entries", QueueEntry.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Project.
func (Project) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("active"),
	}
}
