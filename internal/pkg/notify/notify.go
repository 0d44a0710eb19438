package notify

import (
	"context"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/events"
)

// Notifier 定义通知接口。
type Notifier interface {
	// NotifyTransition 通知一次决策变化。
	//
	// 参数:
	//   ctx: 上下文
	//   evt: 已落库的决策变化事件
	NotifyTransition(ctx context.Context, evt *events.DecisionEvent) error
}
