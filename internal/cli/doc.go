// Package cli реализует инструмент командной строки Preingest.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Preingest API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для управления шагами и запуска pipelines.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Preingest API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	steps, err := client.ListSteps(cli.ListStepsOpts{})
//
// ## Output
//
// Форматирование вывода: списки и карточки через text/tabwriter или
// JSON с флагом --json. Данные выводятся в stdout, сообщения (Done,
// Info, Error) в stderr.
// Это позволяет использовать pipe: preingest step list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - step: list, create, show, run, retry, undo, cancel, tasks, attempts, purge, delete
//   - task: show (с полным traceback), retry, undo
//   - pipeline: list, start
//
// Описание шага для step create читается из YAML или JSON файла.
//
// Каждая группа создаётся через фабричную функцию (NewStepCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
