// Package httpapi принимает заказы и товары по HTTP.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/observability"
	"github.com/LuanFBA/estoque-system/internal/contract"
	"github.com/LuanFBA/estoque-system/internal/ledger"
	"github.com/LuanFBA/estoque-system/internal/orders"
)

// API обработчики intake
type API struct {
	orders *orders.Service
	ledger ledger.Ledger
	health *observability.HealthRegistry
	logger *zap.Logger
}

// New создает API. health может быть nil.
func New(orderService *orders.Service, l ledger.Ledger, health *observability.HealthRegistry, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{orders: orderService, ledger: l, health: health, logger: logger}
}

// Register регистрирует маршруты
func (a *API) Register(r gin.IRouter, exposeMetrics bool) {
	r.POST("/orders", a.createOrder)
	r.GET("/orders/:id", a.getOrder)

	r.POST("/products", a.createProduct)
	r.GET("/products", a.listProducts)
	r.GET("/products/:id", a.getProduct)
	r.GET("/products/:id/movements", a.listMovements)

	if a.health != nil {
		r.GET("/healthz", a.health.Handler())
	}
	if exposeMetrics {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

type createOrderRequest struct {
	Email string          `json:"email"`
	Items []contract.Item `json:"items"`
}

type createOrderResponse struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	OrderID int64  `json:"orderId,omitempty"`
}

func (a *API) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	order, err := a.orders.Submit(c.Request.Context(), req.Email, req.Items)
	var publishErr *orders.PublishError
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, createOrderResponse{OrderID: order.ID, Status: order.Status})
	case errors.Is(err, orders.ErrValidation):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &publishErr):
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error(), OrderID: publishErr.OrderID})
	default:
		a.logger.Error("failed to create order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to create order"})
	}
}

func (a *API) getOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	order, err := a.orders.Get(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, order)
	case errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		a.logger.Error("failed to get order", zap.Int64("order_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to get order"})
	}
}

func (a *API) createProduct(c *gin.Context) {
	var req ledger.NewProduct
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	product, err := a.ledger.CreateProduct(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, product)
	case errors.Is(err, ledger.ErrInvalidProduct):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		a.logger.Error("failed to create product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to create product"})
	}
}

func (a *API) listProducts(c *gin.Context) {
	products, err := a.ledger.ListProducts(c.Request.Context())
	if err != nil {
		a.logger.Error("failed to list products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list products"})
		return
	}
	c.JSON(http.StatusOK, products)
}

func (a *API) getProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	product, err := a.ledger.GetProduct(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, product)
	case errors.Is(err, ledger.ErrProductNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		a.logger.Error("failed to get product", zap.Int64("product_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to get product"})
	}
}

func (a *API) listMovements(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	movements, err := a.ledger.Movements(c.Request.Context(), id)
	if err != nil {
		a.logger.Error("failed to list movements", zap.Int64("product_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list movements"})
		return
	}
	if movements == nil {
		movements = []ledger.StockMovement{}
	}
	c.JSON(http.StatusOK, movements)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "id must be a positive integer"})
		return 0, false
	}
	return id, true
}
