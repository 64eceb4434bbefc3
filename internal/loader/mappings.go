package loader

import (
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/validation"
)

// NewCodeMappings defines the cross-system code mapping dataset over src.
// Mappings are keyed by source code and target system within their source
// system, so each code maps to at most one code per target system.
func NewCodeMappings(src Source[model.CodeMapping]) Definition[model.CodeMapping, model.CodeMapping] {
	validator := validation.NewService(
		validation.WithConstraints(
			validation.Required("source_system", func(m model.CodeMapping) string { return m.SourceSystem }),
			validation.Required("source_code", func(m model.CodeMapping) string { return m.SourceCode }),
			validation.Required("target_system", func(m model.CodeMapping) string { return m.TargetSystem }),
			validation.Required("target_code", func(m model.CodeMapping) string { return m.TargetCode }),
			validation.Required("mapping_type", func(m model.CodeMapping) string { return m.MappingType }),
			validation.OneOf("mapping_type", func(m model.CodeMapping) string { return m.MappingType },
				model.MappingTypeExact, model.MappingTypeBroader, model.MappingTypeNarrower, model.MappingTypeDeprecated),
		),
		validation.WithRules[model.CodeMapping](
			validation.RuleFunc[model.CodeMapping]{
				RuleName: "DISTINCT_SYSTEMS",
				Fn: func(m model.CodeMapping) validation.Outcome {
					if m.SourceSystem != "" && m.SourceSystem == m.TargetSystem {
						return validation.Invalid("target_system", "source and target system are the same")
					}
					return validation.Valid()
				},
			},
			validation.RuleFunc[model.CodeMapping]{
				RuleName: "DEPRECATION_NOTE",
				Fn: func(m model.CodeMapping) validation.Outcome {
					if m.MappingType == model.MappingTypeDeprecated && m.Notes == "" {
						return validation.Warning("notes", "deprecated mapping without a note")
					}
					return validation.Valid()
				},
			},
		),
		validation.WithKey(func(m model.CodeMapping) string { return m.SourceSystem + ":" + model.MappingKey(m) }),
	)

	return &dataset[model.CodeMapping, model.CodeMapping]{
		name:       DatasetCodeMappings,
		entityType: model.EntityTypeCodeMapping,
		source:     src,
		validator:  validator,
		identity:   func(m model.CodeMapping) (string, string) { return m.SourceSystem, model.MappingKey(m) },
		toStaging: func(m model.CodeMapping) (StagingInput[model.CodeMapping], error) {
			return StagingInput[model.CodeMapping]{
				BusinessKey: model.MappingKey(m),
				CodeSystem:  m.SourceSystem,
				Data:        m,
			}, nil
		},
	}
}
