package app

import (
	"fmt"
	"strings"

	"github.com/louisbranch/orderstream/internal/services/consumer/domain"
)

// Pipeline binds a stream and consumer group to the command it carries.
type Pipeline struct {
	Name   string
	Stream string
	Group  string
	Kind   domain.Kind
}

var (
	// CreateOrderPipeline consumes order-creation events.
	CreateOrderPipeline = Pipeline{
		Name:   "create-order",
		Stream: "createOrderStream",
		Group:  "createOrderGroup",
		Kind:   domain.KindCreateOrder,
	}
	// UpdateItemCountPipeline consumes item-count decrement events.
	UpdateItemCountPipeline = Pipeline{
		Name:   "update-item-count",
		Stream: "updateItemCountStream",
		Group:  "updateItemGroup",
		Kind:   domain.KindUpdateItemCount,
	}
)

// Pipelines returns every known pipeline in startup order.
func Pipelines() []Pipeline {
	return []Pipeline{CreateOrderPipeline, UpdateItemCountPipeline}
}

// LookupPipelines resolves pipeline names. No names selects every pipeline.
func LookupPipelines(names []string) ([]Pipeline, error) {
	all := Pipelines()
	seen := make(map[string]bool, len(all))
	var selected []Pipeline
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		found := false
		for _, p := range all {
			if p.Name == name {
				selected = append(selected, p)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown pipeline %q", raw)
		}
		seen[name] = true
	}
	if len(selected) == 0 {
		return all, nil
	}
	return selected, nil
}

// HealthService is the gRPC health service name reported for p.
func (p Pipeline) HealthService() string {
	return "consumer." + p.Name
}

// DeadLetterStream names the stream that receives entries abandoned on stream.
func DeadLetterStream(stream string) string {
	return stream + ":dead"
}
