package agents

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/typeutil"
	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlans []byte

const maxPlanTasks = 12

// Plan sources.
const (
	PlanSourceModel    = "model"
	PlanSourceTemplate = "template"
)

// Phase names, in execution order.
const (
	PhaseFoundation     = "Phase 1 - Foundation"
	PhaseImplementation = "Phase 2 - Implementation"
	PhaseOptimization   = "Phase 3 - Optimization"
)

// Task is one step of a decomposed plan.
type Task struct {
	ID          string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description"`
	Priority    Priority `yaml:"priority" json:"priority"`
	Hours       float64  `yaml:"hours" json:"estimated_hours"`
	DependsOn   []string `yaml:"depends_on" json:"depends_on,omitempty"`
}

// Phase groups tasks by priority band.
type Phase struct {
	Name  string `json:"name"`
	Tasks []Task `json:"tasks"`
}

// Complexity describes how involved the request looks.
type Complexity struct {
	Level   string   `json:"level"` // low, medium, high
	Score   int      `json:"score"`
	Aspects []string `json:"aspects,omitempty"`
}

// TaskPlan is the TaskDecomposer output.
type TaskPlan struct {
	Source       string     `json:"source"`
	Template     string     `json:"template,omitempty"`
	Complexity   Complexity `json:"complexity"`
	Tasks        []Task     `json:"tasks"`
	Phases       []Phase    `json:"phases"`
	CriticalPath []string   `json:"critical_path"`
	TotalHours   float64    `json:"total_hours"`
}

// Summary implements envelope.Section.
func (p TaskPlan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan with %d steps (about %.1f hours of work):", len(p.Tasks), p.TotalHours)
	for _, ph := range p.Phases {
		titles := make([]string, len(ph.Tasks))
		for i, t := range ph.Tasks {
			titles[i] = t.Title
		}
		fmt.Fprintf(&b, " %s: %s.", ph.Name, strings.Join(titles, ", "))
	}
	if len(p.CriticalPath) > 0 {
		fmt.Fprintf(&b, " Start with: %s.", p.titleOf(p.CriticalPath[0]))
	}
	return b.String()
}

// Suggestions implements envelope.Suggester.
func (p TaskPlan) Suggestions() []string {
	out := make([]string, 0, len(p.CriticalPath))
	for _, id := range p.CriticalPath {
		out = append(out, "Complete: "+p.titleOf(id))
	}
	return out
}

func (p TaskPlan) titleOf(id string) string {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t.Title
		}
	}
	return id
}

type planTemplate struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Tasks    []Task   `yaml:"tasks"`
}

type planLibrary struct {
	Templates []planTemplate `yaml:"templates"`
	Advanced  []Task         `yaml:"advanced"`
}

func loadPlans(data []byte) (planLibrary, error) {
	var lib planLibrary
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return planLibrary{}, fmt.Errorf("parse plan templates: %w", err)
	}
	if len(lib.Templates) == 0 {
		return planLibrary{}, fmt.Errorf("plan templates are empty")
	}
	for _, t := range lib.Templates {
		if err := ValidateTasks(t.Tasks); err != nil {
			return planLibrary{}, fmt.Errorf("template '%s': %w", t.Name, err)
		}
	}
	return lib, nil
}

// TaskDecomposer breaks a complex request into an ordered plan.
type TaskDecomposer struct {
	llm     llm.Provider
	logger  logging.Logger
	library planLibrary
}

// NewTaskDecomposer creates the node with the embedded templates.
func NewTaskDecomposer(provider llm.Provider, logger logging.Logger) (*TaskDecomposer, error) {
	lib, err := loadPlans(defaultPlans)
	if err != nil {
		return nil, err
	}
	return &TaskDecomposer{llm: provider, logger: logger, library: lib}, nil
}

// ID implements Node.
func (*TaskDecomposer) ID() envelope.NodeID { return envelope.NodeTaskDecomposer }

// Run implements Node. Any model failure falls back to templates.
func (n *TaskDecomposer) Run(ctx context.Context, view envelope.View) (envelope.Contribution, error) {
	complexity := assessComplexity(view.Query)
	plan := TaskPlan{Complexity: complexity}

	calls := 0
	if n.llm != nil {
		calls = 1
		tasks, err := n.askModel(ctx, view)
		if err == nil {
			plan.Tasks, plan.Source = tasks, PlanSourceModel
		} else {
			n.logger.Warn("task_decomposition_fallback", "error", err.Error())
		}
	}
	if plan.Source == "" {
		plan.Template, plan.Tasks = n.templateFor(view.Query, complexity)
		plan.Source = PlanSourceTemplate
	}

	plan.Phases, plan.CriticalPath, plan.TotalHours = schedule(plan.Tasks)
	return envelope.Contribution{Output: plan, LLMCalls: calls}, nil
}

func (n *TaskDecomposer) askModel(ctx context.Context, view envelope.View) ([]Task, error) {
	prompt := fmt.Sprintf(`Break this financial request into at most %d concrete steps.
Respond with JSON only: {"tasks":[{"id":"t1","title":"...","description":"...","priority":"Critical|High|Medium|Low","estimated_hours":1.5,"depends_on":["..."]}]}
Dependencies must reference ids of other steps in the list.

REQUEST: %s`, maxPlanTasks, view.Query)

	text, err := n.llm.Complete(ctx, prompt, llm.Constraints{Temperature: 0.2, MaxTokens: 1200, JSON: true})
	if err != nil {
		return nil, err
	}
	return ParseTasks(text)
}

// ParseTasks decodes and validates a model-produced plan.
func ParseTasks(text string) ([]Task, error) {
	data, err := typeutil.DecodeModelJSON(text)
	if err != nil {
		return nil, err
	}
	rawTasks, ok := typeutil.SafeSlice(data["tasks"])
	if !ok {
		return nil, fmt.Errorf("missing 'tasks' list")
	}
	tasks := make([]Task, 0, len(rawTasks))
	for i, raw := range rawTasks {
		m, ok := typeutil.SafeMapStringAny(raw)
		if !ok {
			return nil, fmt.Errorf("task %d is not an object", i)
		}
		t := Task{
			ID:          typeutil.SafeStringDefault(m["id"], ""),
			Title:       typeutil.SafeStringDefault(m["title"], ""),
			Description: typeutil.SafeStringDefault(m["description"], ""),
			Priority:    Priority(typeutil.SafeStringDefault(m["priority"], "")),
		}
		if h, ok := typeutil.SafeFloat64(m["estimated_hours"]); ok {
			t.Hours = h
		}
		if deps, ok := m["depends_on"]; ok && deps != nil {
			list, ok := typeutil.SafeStringSlice(deps)
			if !ok {
				return nil, fmt.Errorf("task %d: depends_on must be a list of ids", i)
			}
			t.DependsOn = list
		}
		tasks = append(tasks, t)
	}
	if err := ValidateTasks(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ValidateTasks checks ids, titles, priorities and that dependencies form a
// DAG over known ids.
func ValidateTasks(tasks []Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	if len(tasks) > maxPlanTasks {
		return fmt.Errorf("plan has %d tasks, max %d", len(tasks), maxPlanTasks)
	}
	ids := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("task %d: id and title are required", i)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id '%s'", t.ID)
		}
		if !t.Priority.Valid() {
			return fmt.Errorf("task '%s': invalid priority '%s'", t.ID, t.Priority)
		}
		if t.Hours < 0 {
			return fmt.Errorf("task '%s': negative estimate", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, d := range t.DependsOn {
			if !ids[d] || d == t.ID {
				return fmt.Errorf("task '%s': unknown dependency '%s'", t.ID, d)
			}
		}
	}
	if _, err := topoOrder(tasks); err != nil {
		return err
	}
	return nil
}

// topoOrder returns task ids so every task follows its dependencies. Ties
// keep list order.
func topoOrder(tasks []Task) ([]string, error) {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	for _, t := range tasks {
		for _, d := range t.DependsOn {
			indegree[t.ID]++
			dependents[d] = append(dependents[d], t.ID)
		}
	}
	var order []string
	done := make(map[string]bool, len(tasks))
	for len(order) < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if done[t.ID] || indegree[t.ID] > 0 {
				continue
			}
			done[t.ID] = true
			order = append(order, t.ID)
			for _, dep := range dependents[t.ID] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("task dependencies contain a cycle")
		}
	}
	return order, nil
}

func (n *TaskDecomposer) templateFor(query string, c Complexity) (string, []Task) {
	q := strings.ToLower(query)
	chosen := n.library.Templates[len(n.library.Templates)-1]
	for _, t := range n.library.Templates {
		if containsAny(q, t.Keywords) {
			chosen = t
			break
		}
	}
	tasks := append([]Task(nil), chosen.Tasks...)
	if c.Level == "high" {
		tasks = append(tasks, n.library.Advanced...)
	}
	return chosen.Name, tasks
}

var complexityIndicators = []struct {
	aspect   string
	keywords []string
}{
	{"multi_step", []string{"plan", "strategy", "roadmap", "process", "steps"}},
	{"long_term", []string{"retirement", "decades", "years", "long term", "future"}},
	{"multi_goal", []string{"goals", "multiple", "various", "several", "different"}},
	{"optimization", []string{"optimize", "best", "maximize", "minimize", "efficient"}},
	{"complex_analysis", []string{"analyze", "evaluate", "assess", "compare", "review"}},
}

func assessComplexity(query string) Complexity {
	q := strings.ToLower(query)
	var c Complexity
	for _, ind := range complexityIndicators {
		if containsAny(q, ind.keywords) {
			c.Score++
			c.Aspects = append(c.Aspects, ind.aspect)
		}
	}
	switch {
	case c.Score >= 3:
		c.Level = "high"
	case c.Score == 2:
		c.Level = "medium"
	default:
		c.Level = "low"
	}
	return c
}

// schedule groups tasks into phases and derives the critical path: the
// Critical tasks in dependency order.
func schedule(tasks []Task) ([]Phase, []string, float64) {
	order, err := topoOrder(tasks)
	if err != nil {
		order = nil
		for _, t := range tasks {
			order = append(order, t.ID)
		}
	}
	byID := make(map[string]Task, len(tasks))
	total := 0.0
	for _, t := range tasks {
		byID[t.ID] = t
		total += t.Hours
	}

	phases := []Phase{{Name: PhaseFoundation}, {Name: PhaseImplementation}, {Name: PhaseOptimization}}
	var critical []string
	for _, id := range order {
		t := byID[id]
		switch t.Priority {
		case PriorityCritical:
			phases[0].Tasks = append(phases[0].Tasks, t)
			critical = append(critical, id)
		case PriorityHigh:
			phases[1].Tasks = append(phases[1].Tasks, t)
		default:
			phases[2].Tasks = append(phases[2].Tasks, t)
		}
	}
	out := phases[:0]
	for _, p := range phases {
		if len(p.Tasks) > 0 {
			out = append(out, p)
		}
	}
	return out, critical, total
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
