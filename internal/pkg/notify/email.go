package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/config"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/events"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知，所有提醒发往 cfg.AlertTo。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// NotifyTransition 发送决策变化邮件。SMTP 未配置或没有收件人时跳过。
func (n *EmailNotifier) NotifyTransition(ctx context.Context, evt *events.DecisionEvent) error {
	if evt == nil {
		return nil
	}
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Debug("email config missing, skip notification")
		return nil
	}
	to := strings.TrimSpace(n.cfg.AlertTo)
	if to == "" {
		n.logger.Debug("alert recipient empty, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", to)
	m.SetHeader("Subject", buildSubject(evt))
	m.SetBody("text/html", buildHTMLBody(evt))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("transition email sent",
		slog.String("to", to),
		slog.Uint64("item_id", uint64(evt.ItemID)),
		slog.String("to_decision", evt.To))
	return nil
}

func buildSubject(evt *events.DecisionEvent) string {
	from := evt.From
	if from == "" {
		from = "NEW"
	}
	return fmt.Sprintf("[ProfitWatch] #%d %s → %s", evt.ItemID, from, evt.To)
}

func buildHTMLBody(evt *events.DecisionEvent) string {
	name := evt.ItemName
	if name == "" {
		name = fmt.Sprintf("Item #%d", evt.ItemID)
	}
	from := evt.From
	if from == "" {
		from = "-"
	}

	template := `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8" /></head>
<body style="font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937;">
  <div style="max-width: 560px; margin: 24px auto; background: #ffffff; border: 1px solid #e5e7eb; border-radius: 12px; padding: 20px;">
    <h2 style="margin-top: 0;">%s</h2>
    <p style="font-size: 22px; font-weight: bold;">%s → <span style="color: %s;">%s</span></p>
    <p>Net profit: <b>%s</b></p>
    <p>Reason: %s</p>
    <p style="font-size: 12px; color: #6b7280;">source: %s · %s</p>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		html.EscapeString(name),
		html.EscapeString(from),
		decisionColor(evt.To),
		html.EscapeString(evt.To),
		FormatKRW(evt.NetProfit),
		html.EscapeString(evt.ReasonCode),
		html.EscapeString(evt.Source),
		evt.OccurredAt.Format("2006-01-02 15:04:05 MST"),
	)
}

func decisionColor(d string) string {
	switch d {
	case "SELL":
		return "#16a34a"
	case "HOLD":
		return "#d97706"
	default:
		return "#dc2626"
	}
}

// FormatKRW 将十进制金额字符串格式化为韩元显示（₩1,700）。
// 韩元没有小数位，小数部分被截断。无法解析时原样返回。
func FormatKRW(amount string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return amount
	}
	return money.New(d.IntPart(), money.KRW).Display()
}
