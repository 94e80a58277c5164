// Package scheduler раздаёт applications воркерам.
//
// Структура:
//   - pool.go    — Pool: N слотов, каждый берёт готовую запись из очереди
//     pending, захватывает lease и запускает decision loop
//   - sweeper.go — Sweeper: по cron возвращает в очередь зависшие applications
//   - cron.go    — разбор cron-выражений
//
// Использование:
//
//	pool := scheduler.NewPool(scheduler.PoolConfig{
//	    Queue:  store,
//	    Leases: leases,
//	    Runner: loop,
//	    Size:   8,
//	    Conn:   conn, // опционально: application.pending будит слоты
//	    Logger: logger,
//	})
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop()
//
// Один и тот же id никогда не выполняется двумя слотами одновременно:
// это гарантирует lease, а не очередь (sweeper может поставить в очередь
// application, которую прямо сейчас ведёт другой воркер).
package scheduler
