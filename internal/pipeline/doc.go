// Package pipeline — каталог именованных шаблонов дерева шагов.
//
// Каталог загружается из YAML (PIPELINES_FILE) или берётся встроенный
// (default.yaml). Definition.Instantiate рендерит имена шагов, params
// и условия when через engine templates и возвращает domain.StepSpec,
// готовый для create_step.
package pipeline
