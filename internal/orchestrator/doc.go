// Package orchestrator управляет выполнением деревьев шагов.
//
// Orchestrator отвечает за:
//   - Создание шагов из StepSpec (create_step)
//   - Передачу готовых tasks воркерам (run_step, dispatch)
//   - Обработку отчётов воркеров и переходы статусов
//   - Повторное выполнение неуспешных детей новой попыткой (retry_step)
//   - Отмену шагов (cancel_step) и построение отчёта о статусе
//
// Состояние хранится в Store, решения для одного дерева сериализуются
// блокировкой корня, а каждое изменение статуса — compare-and-set.
package orchestrator
