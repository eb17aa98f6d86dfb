package engine

import "errors"

// Ошибки валидации StepSpec.
var (
	// ErrEmptyName — шаг или task без имени.
	ErrEmptyName = errors.New("empty name")

	// ErrEmptyStep — шаг без детей (и не помечен как контейнер).
	ErrEmptyStep = errors.New("step has no tasks")

	// ErrTooDeep — превышена максимальная глубина вложенности.
	ErrTooDeep = errors.New("step nesting too deep")

	// ErrUnknownHandler — имя task не зарегистрировано в реестре handler'ов.
	ErrUnknownHandler = errors.New("unknown handler")

	// ErrInvalidParams — параметры task не прошли валидацию handler'а.
	ErrInvalidParams = errors.New("invalid task params")
)

// Ошибки согласованности дерева шагов.
var (
	// ErrDuplicatePosition — две записи на одной позиции в рамках попытки.
	ErrDuplicatePosition = errors.New("duplicate position")

	// ErrPositionGap — позиции попытки создания не образуют 0..n-1.
	ErrPositionGap = errors.New("positions are not contiguous")

	// ErrUnknownPosition — позиция retry-попытки отсутствует в исходной раскладке.
	ErrUnknownPosition = errors.New("position not in step layout")

	// ErrAttemptMismatch — task ссылается на попытку другого шага.
	ErrAttemptMismatch = errors.New("attempt does not belong to step")

	// ErrOrphanStep — родитель шага отсутствует в дереве.
	ErrOrphanStep = errors.New("orphan step")

	// ErrNodeNotFound — шаг не найден в дереве.
	ErrNodeNotFound = errors.New("step not in tree")
)

// Ошибки retry и undo.
var (
	// ErrNothingToRetry — нет неуспешных детей для повторного выполнения.
	ErrNothingToRetry = errors.New("nothing to retry")

	// ErrNothingToUndo — нет успешных tasks для отката.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrInvalidSelection — выбор содержит неизвестные или повторяющиеся позиции.
	ErrInvalidSelection = errors.New("invalid selection")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Path    string // путь к ребёнку: "prepare/2/validate"
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return e.Path + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(path, field, message string, err error) *ValidationError {
	return &ValidationError{
		Path:    path,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
