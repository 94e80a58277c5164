// Package orchestrator продвигает одну application по state machine.
//
// Loop отвечает за:
//   - Выбор обработчика по текущему шагу
//   - Вызовы Decision и Automation gateway (строго последовательно)
//   - Перевод результата вызова в событие и Transition
//   - Решение retry policy в FAILED.RETRY_QUEUE
//   - Приостановку до RetryAt (enqueue pending и выход)
//   - Проверку флага отмены между шагами
//
// Loop не знает о пуле и lease: вызывающий (scheduler.Pool) гарантирует,
// что для одной application одновременно работает один Run.
package orchestrator
