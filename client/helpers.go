package client

import (
	"fmt"
	"sort"

	"github.com/xraylabs/xray/xray"
)

// StepOptions tunes the convenience step helpers. The zero value is usable:
// entity ids come from the "id" key and the step carries no extra input or
// rules.
type StepOptions struct {
	// EntityIDKey names the item key used as entity_id. Default "id".
	EntityIDKey string

	// Input is recorded as the step's input map.
	Input map[string]any

	// Rules are attached to the step as audit metadata.
	Rules []xray.RuleDefinition

	// Ascending makes RankStep order lowest score first.
	Ascending bool
}

func (o *StepOptions) entityID(item map[string]any) string {
	key := "id"
	if o != nil && o.EntityIDKey != "" {
		key = o.EntityIDKey
	}
	if v, ok := item[key]; ok {
		return fmt.Sprint(v)
	}
	return fmt.Sprint(item)
}

func (o *StepOptions) input() map[string]any {
	if o == nil {
		return nil
	}
	return o.Input
}

func (o *StepOptions) rules() []xray.RuleDefinition {
	if o == nil {
		return nil
	}
	return o.Rules
}

// FilterStep opens a filter step, evaluates every item with keep, and returns
// the items that passed. One evaluation is recorded per item in iteration
// order; the step closes with total_evaluated/passed/failed counts. The
// reason function may be nil.
func FilterStep(c *Client, name string, items []map[string]any, keep func(map[string]any) bool, reason func(item map[string]any, passed bool) string, opts *StepOptions) ([]map[string]any, error) {
	var filtered []map[string]any

	err := c.WithStep(name, "filter", opts.input(), opts.rules(), func(sc *StepContext) error {
		for _, item := range items {
			passed := keep(item)

			r := ""
			if reason != nil {
				r = reason(item, passed)
			} else if passed {
				r = "Filter passed"
			} else {
				r = "Filter failed"
			}

			if err := sc.LogEvaluation(opts.entityID(item), item, passed, r); err != nil {
				return err
			}
			if passed {
				filtered = append(filtered, item)
			}
		}

		sc.SetOutput(map[string]any{
			"total_evaluated": len(items),
			"passed":          len(filtered),
			"failed":          len(items) - len(filtered),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return filtered, nil
}

// RankStep opens a rank step, scores every item, and returns the items sorted
// by score (highest first unless opts.Ascending). Each item's evaluation
// records its rank and score; the step closes with ranked_count and the top
// three ids.
func RankStep(c *Client, name string, items []map[string]any, score func(map[string]any) float64, reason func(item map[string]any, rank int, score float64) string, opts *StepOptions) ([]map[string]any, error) {
	type scored struct {
		item  map[string]any
		score float64
	}
	ranked := make([]scored, len(items))
	for i, item := range items {
		ranked[i] = scored{item: item, score: score(item)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if opts != nil && opts.Ascending {
			return ranked[i].score < ranked[j].score
		}
		return ranked[i].score > ranked[j].score
	})

	err := c.WithStep(name, "rank", opts.input(), opts.rules(), func(sc *StepContext) error {
		topIDs := []string{}
		for i, entry := range ranked {
			rank := i + 1
			entityID := opts.entityID(entry.item)
			if rank <= 3 {
				topIDs = append(topIDs, entityID)
			}

			r := ""
			if reason != nil {
				r = reason(entry.item, rank, entry.score)
			} else {
				r = fmt.Sprintf("Ranked #%d with score %.2f", rank, entry.score)
			}

			value := map[string]any{"rank": rank, "score": entry.score}
			if err := sc.LogEvaluation(entityID, value, true, r); err != nil {
				return err
			}
		}

		sc.SetOutput(map[string]any{
			"ranked_count": len(ranked),
			"top_3_ids":    topIDs,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, len(ranked))
	for i, entry := range ranked {
		out[i] = entry.item
	}
	return out, nil
}

// TransformStep opens a transform step, applies transform to every item, and
// returns the results in order. Each transformed item is recorded as a
// passing evaluation.
func TransformStep(c *Client, name string, items []map[string]any, transform func(map[string]any) map[string]any, reason func(original, transformed map[string]any) string, opts *StepOptions) ([]map[string]any, error) {
	var transformed []map[string]any

	err := c.WithStep(name, "transform", opts.input(), opts.rules(), func(sc *StepContext) error {
		for _, item := range items {
			entityID := opts.entityID(item)
			result := transform(item)
			transformed = append(transformed, result)

			r := ""
			if reason != nil {
				r = reason(item, result)
			} else {
				r = fmt.Sprintf("Transformed item %s", entityID)
			}

			if err := sc.LogEvaluation(entityID, result, true, r); err != nil {
				return err
			}
		}

		sc.SetOutput(map[string]any{
			"transformed_count": len(transformed),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transformed, nil
}

// SelectStep opens a select step and records which single item was chosen.
// When selectFn is nil the first item wins. Selecting from an empty list is
// an error and no step is opened.
func SelectStep(c *Client, name string, items []map[string]any, selectFn func([]map[string]any) map[string]any, reason func(map[string]any) string, opts *StepOptions) (map[string]any, error) {
	var selected map[string]any
	if selectFn != nil {
		selected = selectFn(items)
	} else if len(items) > 0 {
		selected = items[0]
	}
	if selected == nil {
		return nil, fmt.Errorf("no items to select from")
	}

	err := c.WithStep(name, "select", opts.input(), opts.rules(), func(sc *StepContext) error {
		entityID := opts.entityID(selected)

		r := ""
		if reason != nil {
			r = reason(selected)
		} else {
			r = fmt.Sprintf("Selected item %s", entityID)
		}

		if err := sc.LogEvaluation(entityID, selected, true, r); err != nil {
			return err
		}

		sc.SetOutput(map[string]any{
			"selected_id":      entityID,
			"selected_item":    selected,
			"total_candidates": len(items),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return selected, nil
}
