package core

// ComponentType тип компонента
type ComponentType string

const (
	ComponentTypeAdapter   ComponentType = "adapter"
	ComponentTypeTransport ComponentType = "transport"
	ComponentTypeHandler   ComponentType = "handler"
	ComponentTypeStorage   ComponentType = "storage"
)

// Priority порядок запуска компонентов: меньшее значение стартует раньше
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 10
	PriorityNormal   Priority = 50
	PriorityLow      Priority = 100
)
