// Package cli реализует инструмент командной строки Jobpilot.
//
// # Обзор
//
// CLI — клиентская утилита для Jobpilot API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Jobpilot API. Инкапсулирует HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	app, err := client.GetApplication(id)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: jobpilot app list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - app: submit, show, list, cancel
//   - batch: submit, show, cancel
//
// Каждая группа создаётся через фабричную функцию (NewAppCmd, NewBatchCmd),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
