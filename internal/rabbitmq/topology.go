package rabbitmq

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

const (
	// DeadLetterSuffix names the dead-letter exchange and queue paired with
	// every declared exchange and queue
	DeadLetterSuffix = ".dlq"
	// DeadLetterExchangeSuffix names the dead-letter exchange
	DeadLetterExchangeSuffix = ".dlx"
	// DefaultDeadLetterExchange receives dead letters of unbound queues
	DefaultDeadLetterExchange = "eventcore.dlx"

	// HeaderRetryCount counts transport-level redeliveries
	HeaderRetryCount = "x-retry-count"
	// HeaderMaxRetries overrides the per-queue retry ceiling in queue args
	HeaderMaxRetries = "x-max-retries"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"autoDelete"`
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string         `yaml:"name"`
	Durable    bool           `yaml:"durable"`
	AutoDelete bool           `yaml:"autoDelete"`
	Exclusive  bool           `yaml:"exclusive"`
	MaxRetries int            `yaml:"maxRetries"`
	Arguments  map[string]any `yaml:"arguments"`
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string `yaml:"queue"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routingKey"`
}

// Topology is the static broker layout: exchanges, queues and bindings.
// Dead-letter pairs are derived by Expand.
type Topology struct {
	Exchanges []ExchangeDeclaration `yaml:"exchanges"`
	Queues    []QueueDeclaration    `yaml:"queues"`
	Bindings  []Binding             `yaml:"bindings"`
}

// ParseTopology decodes a YAML topology descriptor
func ParseTopology(data []byte) (Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Topology{}, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

// Validate checks names, exchange kinds and binding references
func (t Topology) Validate() error {
	exchanges := map[string]bool{}
	for _, ex := range t.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("%w: exchange without a name", ErrInvalidTopology)
		}
		switch ex.Kind {
		case amqp.ExchangeDirect, amqp.ExchangeTopic, amqp.ExchangeFanout:
		default:
			return fmt.Errorf("%w: exchange %s has unsupported kind %q", ErrInvalidTopology, ex.Name, ex.Kind)
		}
		if exchanges[ex.Name] {
			return fmt.Errorf("%w: exchange %s declared twice", ErrInvalidTopology, ex.Name)
		}
		exchanges[ex.Name] = true
	}

	queues := map[string]bool{}
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue without a name", ErrInvalidTopology)
		}
		if queues[q.Name] {
			return fmt.Errorf("%w: queue %s declared twice", ErrInvalidTopology, q.Name)
		}
		if q.MaxRetries < 0 {
			return fmt.Errorf("%w: queue %s has a negative retry ceiling", ErrInvalidTopology, q.Name)
		}
		queues[q.Name] = true
	}

	for _, b := range t.Bindings {
		if !exchanges[b.Exchange] {
			return fmt.Errorf("%w: binding references unknown exchange %s", ErrInvalidTopology, b.Exchange)
		}
		if !queues[b.Queue] {
			return fmt.Errorf("%w: binding references unknown queue %s", ErrInvalidTopology, b.Queue)
		}
	}
	return nil
}

// Expand returns the topology with a dead-letter exchange and queue paired
// to every queue that is not itself a dead-letter queue. A queue's DLX is
// named after the exchange of its first binding.
func (t Topology) Expand() Topology {
	out := Topology{
		Exchanges: append([]ExchangeDeclaration(nil), t.Exchanges...),
		Bindings:  append([]Binding(nil), t.Bindings...),
	}

	haveExchange := map[string]bool{}
	for _, ex := range t.Exchanges {
		haveExchange[ex.Name] = true
	}

	for _, q := range t.Queues {
		q.Arguments = cloneArgs(q.Arguments)
		if strings.HasSuffix(q.Name, DeadLetterSuffix) {
			out.Queues = append(out.Queues, q)
			continue
		}

		dlx := DefaultDeadLetterExchange
		for _, b := range t.Bindings {
			if b.Queue == q.Name {
				dlx = b.Exchange + DeadLetterExchangeSuffix
				break
			}
		}
		dlq := q.Name + DeadLetterSuffix

		if q.Arguments == nil {
			q.Arguments = map[string]any{}
		}
		q.Arguments["x-dead-letter-exchange"] = dlx
		q.Arguments["x-dead-letter-routing-key"] = dlq
		out.Queues = append(out.Queues, q)

		if !haveExchange[dlx] {
			out.Exchanges = append(out.Exchanges, ExchangeDeclaration{Name: dlx, Kind: amqp.ExchangeDirect, Durable: true})
			haveExchange[dlx] = true
		}
		out.Queues = append(out.Queues, QueueDeclaration{Name: dlq, Durable: true})
		out.Bindings = append(out.Bindings, Binding{Queue: dlq, Exchange: dlx, RoutingKey: dlq})
	}
	return out
}

// Equal reports whether two descriptors declare the same layout, ignoring
// declaration order
func (t Topology) Equal(other Topology) bool {
	return reflect.DeepEqual(t.canonical(), other.canonical())
}

func (t Topology) canonical() Topology {
	c := Topology{
		Exchanges: append([]ExchangeDeclaration{}, t.Exchanges...),
		Queues:    make([]QueueDeclaration, 0, len(t.Queues)),
		Bindings:  append([]Binding{}, t.Bindings...),
	}
	for _, q := range t.Queues {
		if len(q.Arguments) == 0 {
			q.Arguments = nil
		}
		c.Queues = append(c.Queues, q)
	}
	sort.Slice(c.Exchanges, func(i, j int) bool { return c.Exchanges[i].Name < c.Exchanges[j].Name })
	sort.Slice(c.Queues, func(i, j int) bool { return c.Queues[i].Name < c.Queues[j].Name })
	sort.Slice(c.Bindings, func(i, j int) bool {
		return c.Bindings[i].key() < c.Bindings[j].key()
	})
	return c
}

func (b Binding) key() string {
	return b.Queue + "\x00" + b.Exchange + "\x00" + b.RoutingKey
}

// Queue returns the declaration of the named queue
func (t Topology) Queue(name string) (QueueDeclaration, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueDeclaration{}, false
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// TopologyManager declares the topology and remembers it, together with
// dynamic bindings, so that both can be replayed after a reconnect
type TopologyManager struct {
	mu       sync.Mutex
	declared *Topology
	dynamic  map[string]Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager() *TopologyManager {
	return &TopologyManager{
		dynamic: make(map[string]Binding),
	}
}

// Declare applies t on ch. The first successful call fixes the topology;
// later calls with an equal descriptor are no-ops and any other descriptor
// fails with ErrTopologyMismatch. A nil ch records t for the next Replay.
func (tm *TopologyManager) Declare(ctx context.Context, ch Channel, t Topology) error {
	if err := t.Validate(); err != nil {
		return &TopologyError{Component: "topology", Op: "validate", Err: err, Timestamp: time.Now()}
	}
	expanded := t.Expand()

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.declared != nil {
		if tm.declared.Equal(expanded) {
			return nil
		}
		return &TopologyError{Component: "topology", Op: "redeclare", Err: ErrTopologyMismatch, Timestamp: time.Now()}
	}

	if ch != nil {
		if err := apply(ctx, ch, expanded); err != nil {
			return err
		}
	}
	tm.declared = &expanded
	return nil
}

// Declared returns the expanded topology fixed by the first Declare
func (tm *TopologyManager) Declared() (Topology, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.declared == nil {
		return Topology{}, false
	}
	return *tm.declared, true
}

// Replay redeclares the recorded topology and dynamic bindings on a fresh
// channel
func (tm *TopologyManager) Replay(ctx context.Context, ch Channel) error {
	tm.mu.Lock()
	declared := tm.declared
	dynamic := make([]Binding, 0, len(tm.dynamic))
	for _, b := range tm.dynamic {
		dynamic = append(dynamic, b)
	}
	tm.mu.Unlock()

	if declared != nil {
		if err := apply(ctx, ch, *declared); err != nil {
			return err
		}
	}
	sort.Slice(dynamic, func(i, j int) bool { return dynamic[i].key() < dynamic[j].key() })
	for _, b := range dynamic {
		if err := bindQueue(ch, b); err != nil {
			return err
		}
	}
	return nil
}

// Bind adds a dynamic binding. ch may be nil while disconnected; the binding
// is recorded and applied on the next Replay.
func (tm *TopologyManager) Bind(ch Channel, b Binding) error {
	tm.mu.Lock()
	tm.dynamic[b.key()] = b
	tm.mu.Unlock()

	if ch == nil {
		return nil
	}
	return bindQueue(ch, b)
}

// Unbind removes a dynamic binding. The queue and exchange stay declared.
func (tm *TopologyManager) Unbind(ch Channel, b Binding) error {
	tm.mu.Lock()
	delete(tm.dynamic, b.key())
	tm.mu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.QueueUnbind(b.Queue, b.RoutingKey, b.Exchange, nil); err != nil {
		return &TopologyError{Component: "binding", Name: b.Queue, Op: "unbind", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Bindings returns the dynamic bindings currently recorded
func (tm *TopologyManager) Bindings() []Binding {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make([]Binding, 0, len(tm.dynamic))
	for _, b := range tm.dynamic {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// MaxRetries returns the retry ceiling configured for queue, or fallback
func (tm *TopologyManager) MaxRetries(queue string, fallback int) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.declared == nil {
		return fallback
	}
	if q, ok := tm.declared.Queue(queue); ok && q.MaxRetries > 0 {
		return q.MaxRetries
	}
	return fallback
}

func apply(ctx context.Context, ch Channel, t Topology) error {
	for _, ex := range t.Exchanges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, false, false, nil); err != nil {
			return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, q := range t.Queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, amqp.Table(q.Arguments)); err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, b := range t.Bindings {
		if err := bindQueue(ch, b); err != nil {
			return err
		}
	}
	return nil
}

func bindQueue(ch Channel, b Binding) error {
	if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
		return &TopologyError{Component: "binding", Name: b.Queue, Op: "bind", Err: err, Timestamp: time.Now()}
	}
	return nil
}
