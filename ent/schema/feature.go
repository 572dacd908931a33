package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Feature holds the schema definition for the Feature entity. One feature
// is delivered by one pipeline execution on branch agent/<feature_id>.
type Feature struct {
	ent.Schema
}

// Fields of the Feature.
func (Feature) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("feature_id").
			Unique().
			Immutable(),
		field.String("project_id").
			Immutable(),
		field.String("name"),
		field.Text("description").
			Optional(),
		field.Enum("status").
			Values("pending", "in_progress", "review_ready", "passing", "failing").
			Default("pending"),
		field.Int("priority").
			Default(100).
			Comment("Smaller value = dispatched first"),
		field.JSON("depends_on", []string{}).
			Optional().
			Comment("Feature ids that must be passing before this one is ready"),
		field.String("error_message").
			Optional().
			Nillable().
			Comment("Set when the pipeline marks the feature failing"),
		field.String("tracker_issue_id").
			Optional().
			Nillable().
			Comment("External issue tracker id for status sync"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Feature.
func (Feature) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("project", Project.Type).
			Ref("features").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
		edge.To("agent_runs", AgentRun.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Feature.
func (Feature) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("project_id", "status"),
		index.Fields("project_id", "priority", "created_at"),
	}
}
