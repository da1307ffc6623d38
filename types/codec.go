package types

import (
	"encoding/json"
	"fmt"
)

func (b *Batch) MarshalJSON() ([]byte, error) {
	return json.Marshal(batchJSON{
		ID:        b.ID,
		Source:    b.Source,
		Trigger:   b.Trigger,
		CreatedAt: b.CreatedAt,
		Items:     b.items,
	})
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	var raw batchJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode batch: %w", err)
	}
	b.ID = raw.ID
	b.Source = raw.Source
	b.Trigger = raw.Trigger
	b.CreatedAt = raw.CreatedAt
	b.items = raw.Items
	return nil
}
