package services_test

import (
	"context"
	"sync/atomic"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/persistence"
)

// lookupHook runs fn once, right after the next lookup it is attached to returns.
type lookupHook struct {
	armed atomic.Bool
	fn    func()
}

func (h *lookupHook) arm(fn func()) {
	h.fn = fn
	h.armed.Store(true)
}

func (h *lookupHook) fire() {
	if h.armed.CompareAndSwap(true, false) {
		h.fn()
	}
}

// hookedStore lets tests interleave work between a service's read and its write.
type hookedStore struct {
	persistence.Persistence

	afterTemplateLookup lookupHook
	afterInstanceLookup lookupHook
}

func (s *hookedStore) TemplateRepository() persistence.TemplateRepository {
	return hookedTemplates{TemplateRepository: s.Persistence.TemplateRepository(), hook: &s.afterTemplateLookup}
}

func (s *hookedStore) InstanceRepository() persistence.InstanceRepository {
	return hookedInstances{InstanceRepository: s.Persistence.InstanceRepository(), hook: &s.afterInstanceLookup}
}

type hookedTemplates struct {
	persistence.TemplateRepository

	hook *lookupHook
}

func (r hookedTemplates) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	template, err := r.TemplateRepository.GetByID(ctx, id)
	r.hook.fire()

	return template, err
}

type hookedInstances struct {
	persistence.InstanceRepository

	hook *lookupHook
}

func (r hookedInstances) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	instance, err := r.InstanceRepository.GetByID(ctx, id)
	r.hook.fire()

	return instance, err
}
