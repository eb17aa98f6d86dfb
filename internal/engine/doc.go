// Package engine содержит чистую логику дерева шагов.
//
// Включает:
//   - tree.go        — arena-дерево шагов, построение из строк хранилища
//   - aggregate.go   — вычисление статуса шага из статусов детей
//   - materialize.go — валидация StepSpec и создание шагов/попыток/tasks
//   - retry.go       — планирование новых попыток
//   - undo.go        — планирование отката успешных tasks
//   - dispatch.go    — выбор tasks, готовых к передаче воркерам
//   - registry.go    — реестр handler'ов
//   - template.go    — Vars: подстановка {{ .Inputs.x }} в параметры и условия
//
// Engine не выполняет I/O: все решения принимаются над снимком дерева,
// а применяются orchestrator'ом через хранилище.
package engine
