package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/chain"
	"ChainPilot/pkg/logger"
)

// Activity 是一条链上活动事件，监控订阅者接收的最小单位。
type Activity struct {
	Token       string    `json:"token"`
	TxHash      string    `json:"tx_hash"`
	Contract    string    `json:"contract"`
	BlockNumber uint64    `json:"block_number"`
	ObservedAt  time.Time `json:"observed_at"`
}

// ActivitySource 抽象一条活动事件流。
type ActivitySource interface {
	// Subscribe 返回活动事件 channel，取消 ctx 或调用 Close 后停止。
	Subscribe(ctx context.Context, token string) (<-chan Activity, error)
	Close()
}

// Monitor 订阅链上日志并把事件重新发布给所有监控订阅者。
// 单个慢订阅者不会阻塞其他订阅者，事件会被丢弃。
type Monitor struct {
	client chain.Client
	defs   *chain.Definitions
	log    *slog.Logger

	mu      sync.Mutex
	subs    map[int]*monitorSub
	nextID  int
	closed  bool
	cancels []context.CancelFunc
}

type monitorSub struct {
	token string
	ch    chan Activity
}

// NewMonitor 创建交易监控器。
func NewMonitor(client chain.Client, defs *chain.Definitions) *Monitor {
	return &Monitor{
		client: client,
		defs:   defs,
		log:    logger.Named("enrich.monitor"),
		subs:   make(map[int]*monitorSub),
	}
}

// Subscribe 对指定代币开启监控。代币未配置地址时返回 DATA_UNAVAILABLE。
func (m *Monitor) Subscribe(ctx context.Context, token string) (<-chan Activity, error) {
	addr, _, ok := m.defs.Token(token)
	if !ok {
		return nil, Unavailable(token, "未配置代币合约地址")
	}

	sub, err := m.client.SubscribeLogs(ctx, gethcore.FilterQuery{
		Addresses: []common.Address{addr},
	})
	if err != nil {
		return nil, Unavailable(token, err.Error())
	}

	streamCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		sub.Close()
		return nil, Unavailable(token, "监控器已关闭")
	}
	id := m.nextID
	m.nextID++
	entry := &monitorSub{token: token, ch: make(chan Activity, 16)}
	m.subs[id] = entry
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()

	go m.pump(streamCtx, id, entry, sub, addr)
	return entry.ch, nil
}

// pump 把底层日志转换为 Activity 并转发，退出时清理订阅。
func (m *Monitor) pump(ctx context.Context, id int, entry *monitorSub, sub *chain.LogSubscription, contract common.Address) {
	defer func() {
		sub.Close()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		close(entry.ch)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-sub.Err():
			if !ok {
				return
			}
			if err != nil {
				m.log.Warn("监控订阅中断", "token", entry.token, "error", err)
				return
			}
		case lg, ok := <-sub.Logs():
			if !ok {
				return
			}
			activity := Activity{
				Token:       entry.token,
				TxHash:      lg.TxHash.Hex(),
				Contract:    contract.Hex(),
				BlockNumber: lg.BlockNumber,
				ObservedAt:  time.Now().UTC(),
			}
			select {
			case entry.ch <- activity:
			default:
				// 订阅者消费过慢，丢弃事件。
			}
		}
	}
}

// Close 终止全部监控订阅。
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
