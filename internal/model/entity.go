package model

import (
	"encoding/json"
	"fmt"
)

// Entity is a Record viewed through its typed business attributes.
type Entity[A any] struct {
	Record
	Data A
}

// Decode unmarshals the opaque attributes of r into A.
func Decode[A any](r Record) (Entity[A], error) {
	var data A
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &data); err != nil {
			return Entity[A]{}, fmt.Errorf("failed to decode attributes of %s v%d: %w", r.LineageKey(), r.Version, err)
		}
	}

	return Entity[A]{Record: r, Data: data}, nil
}

// DecodeAll decodes every record, stopping at the first failure.
func DecodeAll[A any](records []Record) ([]Entity[A], error) {
	entities := make([]Entity[A], 0, len(records))

	for _, r := range records {
		e, err := Decode[A](r)
		if err != nil {
			return nil, err
		}

		entities = append(entities, e)
	}

	return entities, nil
}

// Encode returns the underlying Record with Data marshaled into its attributes.
func (e Entity[A]) Encode() (Record, error) {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode attributes of %s: %w", e.LineageKey(), err)
	}

	return e.Record.WithAttributes(raw), nil
}
