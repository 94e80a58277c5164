// Package statemachine — единственная точка изменения состояния application.
//
// Controller отвечает за:
//   - Таблицу допустимых переходов (Step, Event) → Step с guard'ами
//   - Атомарный переход через CompareAndSwap хранилища
//   - Идемпотентное повторение уже применённого перехода
//   - Учёт попыток, LastError и append-only history
//
// Любой переход, которого нет в таблице, отклоняется.
package statemachine
