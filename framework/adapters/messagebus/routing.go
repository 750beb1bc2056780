package messagebus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MatchRoutingKey проверяет routing key по шаблону привязки topic exchange.
// "*" заменяет ровно одно слово, "#" ноль или больше слов.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// binding привязка очереди к exchange
type binding struct {
	exchange string
	pattern  string
}

func (b binding) String() string {
	return b.exchange + "|" + b.pattern
}

func parseBinding(s string) (binding, error) {
	exchange, pattern, ok := strings.Cut(s, "|")
	if !ok || exchange == "" || pattern == "" {
		return binding{}, fmt.Errorf("malformed binding %q", s)
	}
	return binding{exchange: exchange, pattern: pattern}, nil
}

// bindingTable таблица привязок для драйверов, эмулирующих topic exchange
type bindingTable struct {
	mu      sync.RWMutex
	byQueue map[string][]binding
}

func newBindingTable() *bindingTable {
	return &bindingTable{byQueue: make(map[string][]binding)}
}

// add добавляет привязку; повторное добавление игнорируется
func (t *bindingTable) add(queue, exchange, pattern string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := binding{exchange: exchange, pattern: pattern}
	for _, existing := range t.byQueue[queue] {
		if existing == b {
			return false
		}
	}
	t.byQueue[queue] = append(t.byQueue[queue], b)
	return true
}

func (t *bindingTable) hasQueue(queue string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byQueue[queue]
	return ok
}

// matches сообщает, доставляется ли сообщение в очередь
func (t *bindingTable) matches(queue, exchange, key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return matchAny(t.byQueue[queue], exchange, key)
}

// queuesFor возвращает очереди, в которые маршрутизируется сообщение (каждая один раз)
func (t *bindingTable) queuesFor(exchange, key string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var queues []string
	for queue, bindings := range t.byQueue {
		if matchAny(bindings, exchange, key) {
			queues = append(queues, queue)
		}
	}
	sort.Strings(queues)
	return queues
}

// exchangesFor возвращает exchange, к которым привязана очередь
func (t *bindingTable) exchangesFor(queue string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	var exchanges []string
	for _, b := range t.byQueue[queue] {
		if !seen[b.exchange] {
			seen[b.exchange] = true
			exchanges = append(exchanges, b.exchange)
		}
	}
	sort.Strings(exchanges)
	return exchanges
}

func matchAny(bindings []binding, exchange, key string) bool {
	for _, b := range bindings {
		if b.exchange == exchange && MatchRoutingKey(b.pattern, key) {
			return true
		}
	}
	return false
}

func copyHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
