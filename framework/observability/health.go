package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck интерфейс для health checks
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckResult результат health check
type HealthCheckResult struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult результат отдельной проверки
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// CheckFunc проверка на основе функции
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheckFunc создает проверку с именем name
func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// Name возвращает имя проверки
func (h *CheckFunc) Name() string {
	return h.name
}

// Check выполняет проверку
func (h *CheckFunc) Check(ctx context.Context) error {
	if h.fn == nil {
		return fmt.Errorf("check function is nil")
	}
	return h.fn(ctx)
}

// HealthRegistry набор проверок процесса
type HealthRegistry struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	timeout time.Duration
}

// NewHealthRegistry создает реестр проверок с общим таймаутом
func NewHealthRegistry(timeout time.Duration) *HealthRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthRegistry{timeout: timeout}
}

// Register регистрирует проверку
func (r *HealthRegistry) Register(check HealthCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, check)
}

// Run выполняет все проверки и возвращает сводный результат
func (r *HealthRegistry) Run(ctx context.Context) HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.mu.RLock()
	checks := append([]HealthCheck(nil), r.checks...)
	r.mu.RUnlock()

	result := HealthCheckResult{
		Status:    "healthy",
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: time.Now().UTC(),
	}
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)

		cr := CheckResult{Status: "healthy", Duration: time.Since(start).String()}
		if err != nil {
			cr.Status = "unhealthy"
			cr.Message = err.Error()
			result.Status = "unhealthy"
		}
		result.Checks[check.Name()] = cr
	}
	return result
}

// Handler возвращает Gin handler: 200 если все проверки прошли, иначе 503
func (r *HealthRegistry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := r.Run(c.Request.Context())
		if result.Status != "healthy" {
			c.JSON(http.StatusServiceUnavailable, result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
