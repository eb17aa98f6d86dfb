package engine

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
)

// Child — ребёнок шага на конкретной позиции.
//
// Ровно одно из полей заполнено: Task для task unit (актуальная версия
// из последней попытки), Node >= 0 для вложенного шага.
type Child struct {
	Position int
	Task     *domain.Task
	Node     int
}

// IsStep возвращает true, если ребёнок — вложенный шаг.
func (c Child) IsStep() bool {
	return c.Node >= 0
}

// Node — узел дерева: шаг, его попытки и дети.
type Node struct {
	// Step — сам шаг.
	Step domain.Step

	// Parent — индекс родителя в Tree.Nodes (-1 для корня).
	Parent int

	// Attempts — попытки шага, упорядоченные по Seq.
	Attempts []domain.Attempt

	// Children — актуальные дети, упорядоченные по позиции.
	Children []Child

	// History — все tasks шага по всем попыткам.
	History []*domain.Task
}

// Undoing возвращает true, если последняя попытка шага — откат.
func (n *Node) Undoing() bool {
	return n.LatestAttempt().Reason == domain.AttemptReasonUndo
}

// LatestAttempt возвращает последнюю попытку шага.
func (n *Node) LatestAttempt() domain.Attempt {
	if len(n.Attempts) == 0 {
		return domain.Attempt{}
	}
	return n.Attempts[len(n.Attempts)-1]
}

// Tree — arena-дерево шагов одного корня.
//
// Связи между узлами хранятся индексами, а не указателями.
// Nodes[0] — всегда корень; узлы упорядочены в pre-order.
type Tree struct {
	Nodes []Node
	index map[uuid.UUID]int
}

// BuildTree строит дерево из строк хранилища и проверяет его согласованность.
//
// Проверяется:
//   - каждый task и попытка принадлежат шагу дерева;
//   - позиции уникальны в рамках попытки;
//   - попытка создания вместе с вложенными шагами занимает позиции 0..n-1;
//   - retry-попытки содержат только позиции task'ов исходной раскладки.
func BuildTree(steps []domain.Step, attempts []domain.Attempt, tasks []domain.Task) (*Tree, error) {
	var root *domain.Step
	byParent := make(map[uuid.UUID][]domain.Step)
	known := make(map[uuid.UUID]bool, len(steps))

	for i := range steps {
		s := steps[i]
		known[s.ID] = true
		if s.ParentID == nil {
			if root != nil {
				return nil, fmt.Errorf("%w: multiple roots %s and %s", ErrOrphanStep, root.ID, s.ID)
			}
			root = &steps[i]
			continue
		}
		byParent[*s.ParentID] = append(byParent[*s.ParentID], s)
	}

	if root == nil {
		return nil, fmt.Errorf("%w: no root step", ErrNodeNotFound)
	}

	for parentID, children := range byParent {
		if !known[parentID] {
			return nil, fmt.Errorf("%w: parent %s", ErrOrphanStep, parentID)
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Position < children[j].Position })
	}

	t := &Tree{index: make(map[uuid.UUID]int, len(steps))}
	t.addNode(*root, -1, byParent)

	if len(t.Nodes) != len(steps) {
		return nil, fmt.Errorf("%w: %d steps unreachable from root", ErrOrphanStep, len(steps)-len(t.Nodes))
	}

	for _, a := range attempts {
		i, ok := t.index[a.StepID]
		if !ok {
			return nil, fmt.Errorf("%w: attempt %s references step %s", ErrAttemptMismatch, a.ID, a.StepID)
		}
		t.Nodes[i].Attempts = append(t.Nodes[i].Attempts, a)
	}

	for i := range tasks {
		task := &tasks[i]
		n, ok := t.index[task.StepID]
		if !ok {
			return nil, fmt.Errorf("%w: task %s references step %s", ErrAttemptMismatch, task.ID, task.StepID)
		}
		t.Nodes[n].History = append(t.Nodes[n].History, task)
	}

	for i := range t.Nodes {
		if err := t.resolveChildren(i); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// addNode рекурсивно добавляет шаг и его потомков в pre-order.
func (t *Tree) addNode(step domain.Step, parent int, byParent map[uuid.UUID][]domain.Step) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Step: step, Parent: parent})
	t.index[step.ID] = idx

	for _, child := range byParent[step.ID] {
		childIdx := t.addNode(child, idx, byParent)
		t.Nodes[idx].Children = append(t.Nodes[idx].Children, Child{
			Position: child.Position,
			Node:     childIdx,
		})
	}

	return idx
}

// resolveChildren проверяет раскладку позиций узла и выбирает
// актуальный task для каждой позиции.
func (t *Tree) resolveChildren(i int) error {
	n := &t.Nodes[i]
	path := n.Step.Name

	sort.Slice(n.Attempts, func(a, b int) bool { return n.Attempts[a].Seq < n.Attempts[b].Seq })

	seq := make(map[uuid.UUID]int, len(n.Attempts))
	for _, a := range n.Attempts {
		if _, dup := seq[a.ID]; dup {
			return NewValidationError(path, "attempt", fmt.Sprintf("attempt %s listed twice", a.ID), ErrAttemptMismatch)
		}
		seq[a.ID] = a.Seq
	}

	// Tasks по попыткам.
	perAttempt := make(map[uuid.UUID]map[int]*domain.Task)
	for _, task := range n.History {
		if _, ok := seq[task.AttemptID]; !ok {
			return NewValidationError(path, "attempt_id",
				fmt.Sprintf("task %s references attempt %s", task.ID, task.AttemptID), ErrAttemptMismatch)
		}
		positions := perAttempt[task.AttemptID]
		if positions == nil {
			positions = make(map[int]*domain.Task)
			perAttempt[task.AttemptID] = positions
		}
		if _, dup := positions[task.Position]; dup {
			return NewValidationError(path, "position",
				fmt.Sprintf("position %d used twice in attempt %s", task.Position, task.AttemptID), ErrDuplicatePosition)
		}
		positions[task.Position] = task
	}

	// Раскладка: попытка создания + вложенные шаги.
	layout := make(map[int]bool)
	stepPositions := make(map[int]bool)
	for _, c := range n.Children {
		if stepPositions[c.Position] {
			return NewValidationError(path, "position",
				fmt.Sprintf("position %d used by two steps", c.Position), ErrDuplicatePosition)
		}
		stepPositions[c.Position] = true
		layout[c.Position] = true
	}

	if len(n.Attempts) > 0 {
		creation := n.Attempts[0]
		for pos := range perAttempt[creation.ID] {
			if layout[pos] {
				return NewValidationError(path, "position",
					fmt.Sprintf("position %d used by a task and a step", pos), ErrDuplicatePosition)
			}
			layout[pos] = true
		}
	}

	for pos := 0; pos < len(layout); pos++ {
		if !layout[pos] {
			return NewValidationError(path, "position",
				fmt.Sprintf("position %d missing in %d children", pos, len(layout)), ErrPositionGap)
		}
	}

	// Актуальный task: из попытки с наибольшим Seq.
	effective := make(map[int]*domain.Task)
	for _, a := range n.Attempts {
		for pos, task := range perAttempt[a.ID] {
			if stepPositions[pos] || !layout[pos] {
				return NewValidationError(path, "position",
					fmt.Sprintf("attempt %d: position %d", a.Seq, pos), ErrUnknownPosition)
			}
			effective[pos] = task
		}
	}

	for pos, task := range effective {
		n.Children = append(n.Children, Child{Position: pos, Task: task, Node: -1})
	}
	sort.Slice(n.Children, func(a, b int) bool { return n.Children[a].Position < n.Children[b].Position })

	return nil
}

// Index возвращает индекс узла шага.
func (t *Tree) Index(stepID uuid.UUID) (int, bool) {
	i, ok := t.index[stepID]
	return i, ok
}

// Root возвращает корневой узел.
func (t *Tree) Root() *Node {
	return &t.Nodes[0]
}

// Node возвращает узел по индексу.
func (t *Tree) Node(i int) *Node {
	return &t.Nodes[i]
}

// Status вычисляет агрегированный статус узла.
//
// Шаг в режиме отката агрегирует только детей отката, в обратном
// порядке позиций: статус отражает ход отката.
func (t *Tree) Status(i int) domain.TaskStatus {
	return Aggregate(t.Nodes[i].Step.Parallel, t.childStatuses(t.active(i)))
}

// active возвращает детей, которые определяют статус и порядок
// выполнения узла.
func (t *Tree) active(i int) []Child {
	n := &t.Nodes[i]
	if !n.Undoing() {
		return n.Children
	}

	var out []Child
	for k := len(n.Children) - 1; k >= 0; k-- {
		c := n.Children[k]
		if c.IsStep() && t.Nodes[c.Node].Undoing() || !c.IsStep() && c.Task.Undo {
			out = append(out, c)
		}
	}
	return out
}

// Undone проверяет, что откат узла завершён успешно.
func (t *Tree) Undone(i int) bool {
	return t.Nodes[i].Undoing() && t.Status(i) == domain.StatusSuccess
}

// ChildUndone проверяет, что ребёнок откачен.
func (t *Tree) ChildUndone(c Child) bool {
	if c.IsStep() {
		return t.Undone(c.Node)
	}
	return c.Task.IsUndone()
}

// ChildStatus возвращает статус ребёнка (task или агрегат вложенного шага).
func (t *Tree) ChildStatus(c Child) domain.TaskStatus {
	if c.IsStep() {
		return t.Status(c.Node)
	}
	return c.Task.Status
}

func (t *Tree) childStatuses(children []Child) []domain.TaskStatus {
	statuses := make([]domain.TaskStatus, len(children))
	for k, c := range children {
		statuses[k] = t.ChildStatus(c)
	}
	return statuses
}

// Subtree возвращает индексы узла и всех его потомков в pre-order.
func (t *Tree) Subtree(i int) []int {
	out := []int{i}
	for _, c := range t.Nodes[i].Children {
		if c.IsStep() {
			out = append(out, t.Subtree(c.Node)...)
		}
	}
	return out
}

// EffectiveTasks возвращает актуальные tasks поддерева.
func (t *Tree) EffectiveTasks(i int) []*domain.Task {
	var out []*domain.Task
	for _, c := range t.Nodes[i].Children {
		if c.IsStep() {
			out = append(out, t.EffectiveTasks(c.Node)...)
			continue
		}
		out = append(out, c.Task)
	}
	return out
}

// HistoryTasks возвращает все tasks поддерева по всем попыткам.
func (t *Tree) HistoryTasks(i int) []*domain.Task {
	var out []*domain.Task
	for _, n := range t.Subtree(i) {
		out = append(out, t.Nodes[n].History...)
	}
	return out
}

// InFlight проверяет, есть ли в поддереве tasks у воркеров.
func (t *Tree) InFlight(i int) bool {
	for _, task := range t.HistoryTasks(i) {
		if task.Status.IsInFlight() {
			return true
		}
	}
	return false
}

// FirstFailure возвращает первый по порядку выполнения упавший
// актуальный task поддерева или nil.
func (t *Tree) FirstFailure(i int) *domain.Task {
	for _, c := range t.active(i) {
		if c.IsStep() {
			if t.Status(c.Node) == domain.StatusFailure {
				if task := t.FirstFailure(c.Node); task != nil {
					return task
				}
			}
			continue
		}
		if c.Task.Status == domain.StatusFailure {
			return c.Task
		}
	}
	return nil
}

// Superseded проверяет, что попытка шага полностью вытеснена:
// она не последняя, ни один её task не актуален. Попытка создания
// задаёт раскладку позиций и вытесненной не считается.
func (t *Tree) Superseded(i int, attemptID uuid.UUID) (bool, error) {
	n := &t.Nodes[i]

	found := false
	for _, a := range n.Attempts {
		if a.ID == attemptID {
			found = true
			break
		}
	}
	if !found {
		return false, fmt.Errorf("%w: attempt %s", ErrNodeNotFound, attemptID)
	}

	if n.Attempts[0].ID == attemptID || n.LatestAttempt().ID == attemptID {
		return false, nil
	}

	for _, c := range n.Children {
		if !c.IsStep() && c.Task.AttemptID == attemptID {
			return false, nil
		}
	}

	return true, nil
}
