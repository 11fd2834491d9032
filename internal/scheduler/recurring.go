package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

// TemplateHandler receives the instantiated task batch each time a template
// fires. Task ids are freshly allocated and intra-template dependencies are
// rewritten to match.
type TemplateHandler func(template model.RecurringTemplate, tasks []*model.Task)

// RecurringScheduler fires task-batch templates on cron expressions
// (six-field, with seconds). Instantiated batches go to the handler; what
// happens to them is the host's business.
type RecurringScheduler struct {
	logger  *zap.Logger
	cron    *cron.Cron
	handler TemplateHandler

	templates sync.Map // template id -> *model.RecurringTemplate
	entryIDs  sync.Map // template id -> cron.EntryID

	mu     sync.Mutex
	nextID int
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewRecurringScheduler creates a stopped scheduler; call Start to begin
// firing templates.
func NewRecurringScheduler(handler TemplateHandler, logger *zap.Logger) *RecurringScheduler {
	cronLog := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLog)),
	}

	return &RecurringScheduler{
		logger:  logger.Named("recurring"),
		cron:    cron.New(cronOptions...),
		handler: handler,
		nextID:  recurringIDBase,
	}
}

// Start begins firing registered templates.
func (s *RecurringScheduler) Start() {
	s.logger.Info("starting recurring scheduler")
	s.cron.Start()
}

// Stop stops the cron runner and waits for in-flight jobs to finish.
func (s *RecurringScheduler) Stop() {
	s.logger.Info("stopping recurring scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddTemplate registers a template. Disabled templates are stored but never
// fire until re-added enabled.
func (s *RecurringScheduler) AddTemplate(template *model.RecurringTemplate) error {
	if template.ID == "" {
		template.ID = uuid.New().String()
	}
	if template.CreatedAt.IsZero() {
		template.CreatedAt = time.Now()
	}
	template.UpdatedAt = time.Now()

	specParser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec, err := specParser.Parse(template.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.templates.Store(template.ID, template)

	if !template.Enabled {
		s.logger.Info("template registered disabled",
			zap.String("id", template.ID),
			zap.String("name", template.Name))
		return nil
	}

	entryID, err := s.cron.AddJob(template.Expression, &templateJob{
		scheduler: s,
		template:  template,
	})
	if err != nil {
		s.templates.Delete(template.ID)
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryIDs.Store(template.ID, entryID)

	next := spec.Next(time.Now())
	template.NextRunTime = &next

	s.logger.Info("template added",
		zap.String("id", template.ID),
		zap.String("name", template.Name),
		zap.String("expression", template.Expression),
		zap.Int("tasks", len(template.Tasks)),
		zap.Time("next_run", next))

	return nil
}

// RemoveTemplate unregisters a template and cancels its cron entry.
func (s *RecurringScheduler) RemoveTemplate(id string) error {
	if _, ok := s.templates.Load(id); !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}

	if entryIDVal, ok := s.entryIDs.Load(id); ok {
		s.cron.Remove(entryIDVal.(cron.EntryID))
		s.entryIDs.Delete(id)
	}
	s.templates.Delete(id)

	s.logger.Info("template removed", zap.String("id", id))
	return nil
}

// GetTemplate gets a template by id.
func (s *RecurringScheduler) GetTemplate(id string) (*model.RecurringTemplate, error) {
	val, ok := s.templates.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return val.(*model.RecurringTemplate), nil
}

// ListTemplates lists all registered templates.
func (s *RecurringScheduler) ListTemplates() []*model.RecurringTemplate {
	var templates []*model.RecurringTemplate
	s.templates.Range(func(key, value interface{}) bool {
		templates = append(templates, value.(*model.RecurringTemplate))
		return true
	})
	return templates
}

// instantiate copies the template tasks onto a fresh id block and rewrites
// intra-template dependencies. Dependencies pointing outside the template
// are dropped: a batch must be self-contained.
func (s *RecurringScheduler) instantiate(template *model.RecurringTemplate) []*model.Task {
	mapping := make(map[int]int, len(template.Tasks))

	s.mu.Lock()
	for _, task := range template.Tasks {
		if _, seen := mapping[task.ID]; seen {
			continue
		}
		mapping[task.ID] = s.nextID
		s.nextID++
	}
	s.mu.Unlock()

	tasks := make([]*model.Task, 0, len(template.Tasks))
	for _, task := range template.Tasks {
		instance := task
		instance.ID = mapping[task.ID]
		instance.Status = model.TaskStatusPending
		instance.CreatedAt = time.Now()
		instance.DependsOn = s.rebaseDependsOn(template.ID, task.DependsOn, mapping)
		tasks = append(tasks, &instance)
	}
	return tasks
}

func (s *RecurringScheduler) rebaseDependsOn(templateID, dependsOn string, mapping map[int]int) string {
	if dependsOn == "" {
		return ""
	}

	ids, malformed := model.ParseDependencies(dependsOn)
	if len(malformed) > 0 {
		s.logger.Warn("dropped malformed template dependencies",
			zap.String("template_id", templateID),
			zap.Strings("entries", malformed))
	}

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		rebased, ok := mapping[id]
		if !ok {
			s.logger.Warn("template dependency points outside the batch",
				zap.String("template_id", templateID),
				zap.Int("dependency_id", id))
			continue
		}
		parts = append(parts, strconv.Itoa(rebased))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ", "))
}

// templateJob implements cron.Job
type templateJob struct {
	scheduler *RecurringScheduler
	template  *model.RecurringTemplate
}

// Run implements cron.Job
func (j *templateJob) Run() {
	now := time.Now()
	j.template.LastRunTime = &now

	specParser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec, err := specParser.Parse(j.template.Expression)
	if err != nil {
		j.scheduler.logger.Error("failed to parse cron expression",
			zap.String("id", j.template.ID),
			zap.Error(err))
		return
	}

	next := spec.Next(now)
	j.template.NextRunTime = &next

	tasks := j.scheduler.instantiate(j.template)
	j.scheduler.handler(*j.template, tasks)

	j.scheduler.logger.Info("template fired",
		zap.String("id", j.template.ID),
		zap.String("name", j.template.Name),
		zap.Int("tasks", len(tasks)),
		zap.Time("fired_at", now),
		zap.Time("next_run", next))
}
