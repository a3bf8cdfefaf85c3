package service

import (
	"context"
	"sync"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/metrics"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/repository"
	"go.uber.org/zap"
)

// Константы worker pool
const (
	defaultWorkerCount   = 3    // Количество воркеров
	defaultChannelBuffer = 1000 // Размер буфера канала
	maxRetries           = 3    // Максимальное количество попыток записи
)

// MethodRecorder приём событий использования методов редиректа
type MethodRecorder interface {
	Record(ctx context.Context, event *models.MethodUsageEvent) error
}

// MethodCounterProcessor асинхронный учёт методов редиректа
type MethodCounterProcessor interface {
	MethodRecorder
	Start()
	Stop()
	Stats(ctx context.Context, urlID int64) ([]models.RedirectMethodCounter, error)
	ChannelStats() ChannelStats
}

// methodCounterProcessor реализация процессора счётчиков с использованием Worker Pool
type methodCounterProcessor struct {
	counterRepo  repository.MethodCounterRepository
	metrics      *metrics.Metrics
	logger       *zap.Logger
	eventChannel chan *models.MethodUsageEvent // Канал для событий
	workerCount  int                           // Количество воркеров
	wg           sync.WaitGroup                // WaitGroup для ожидания завершения воркеров
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewMethodCounterProcessor создаёт процессор; workers и buffer <= 0 заменяются значениями по умолчанию
func NewMethodCounterProcessor(
	counterRepo repository.MethodCounterRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
	workers, buffer int,
) MethodCounterProcessor {
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &methodCounterProcessor{
		counterRepo:  counterRepo,
		metrics:      m,
		logger:       logger,
		eventChannel: make(chan *models.MethodUsageEvent, buffer),
		workerCount:  workers,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start запускает worker pool
func (p *methodCounterProcessor) Start() {
	p.logger.Info("Запуск воркеров счётчиков методов редиректа", zap.Int("count", p.workerCount))

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop останавливает worker pool; события, уже лежащие в буфере, записываются
func (p *methodCounterProcessor) Stop() {
	p.logger.Info("Остановка процессора счётчиков...")
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Процессор счётчиков остановлен")
}

// worker обрабатывает события из канала
func (p *methodCounterProcessor) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("Воркер счётчиков запущен", zap.Int("id", id))

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			p.logger.Debug("Воркер счётчиков остановлен", zap.Int("id", id))
			return

		case event := <-p.eventChannel:
			p.process(event)
		}
	}
}

func (p *methodCounterProcessor) drain() {
	for {
		select {
		case event := <-p.eventChannel:
			p.process(event)
		default:
			return
		}
	}
}

// process записывает одно событие с retry логикой
func (p *methodCounterProcessor) process(event *models.MethodUsageEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 5*time.Second)
	defer cancel()

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = p.counterRepo.Increment(ctx, event); err == nil {
			return
		}
		if i < maxRetries-1 {
			p.logger.Debug("Повторная попытка записи счётчика",
				zap.Int64("url_id", event.URLID),
				zap.String("method", event.Method),
				zap.Int("attempt", i+1),
				zap.Error(err),
			)
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}

	p.logger.Error("Не удалось записать счётчик метода после всех попыток",
		zap.Int64("url_id", event.URLID),
		zap.String("method", event.Method),
		zap.Error(err),
	)
}

// Record отправляет событие в worker pool (неблокирующая операция)
func (p *methodCounterProcessor) Record(ctx context.Context, event *models.MethodUsageEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.eventChannel <- event:
		return nil
	default:
		// Канал заполнен: теряем статистику, но не задерживаем редирект
		p.metrics.IncMethodDropped()
		p.logger.Warn("Буфер счётчиков методов заполнен, событие потеряно",
			zap.Int64("url_id", event.URLID),
			zap.String("method", event.Method),
		)
		return nil
	}
}

func (p *methodCounterProcessor) Stats(ctx context.Context, urlID int64) ([]models.RedirectMethodCounter, error) {
	return p.counterRepo.GetByURL(ctx, urlID)
}

// ChannelStats возвращает статистику канала для мониторинга
func (p *methodCounterProcessor) ChannelStats() ChannelStats {
	return ChannelStats{
		BufferSize:  cap(p.eventChannel),
		BufferUsed:  len(p.eventChannel),
		WorkerCount: p.workerCount,
	}
}

// ChannelStats статистика канала worker pool
type ChannelStats struct {
	BufferSize  int `json:"buffer_size"`  // Общая ёмкость канала
	BufferUsed  int `json:"buffer_used"`  // Текущее использование
	WorkerCount int `json:"worker_count"` // Количество воркеров
}

// SyncMethodRecorder пишет счётчик до возврата; для проверок, где учёт
// должен завершиться раньше ответа
type SyncMethodRecorder struct {
	counterRepo repository.MethodCounterRepository
}

func NewSyncMethodRecorder(counterRepo repository.MethodCounterRepository) *SyncMethodRecorder {
	return &SyncMethodRecorder{counterRepo: counterRepo}
}

func (r *SyncMethodRecorder) Record(ctx context.Context, event *models.MethodUsageEvent) error {
	return r.counterRepo.Increment(ctx, event)
}
