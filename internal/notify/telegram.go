package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/database"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Trading alerts
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pushes signal, fill, exit and daily summary alerts to a single
// authorized chat. A nil *Notifier is valid and silently drops every
// notification, so callers never branch on whether Telegram is
// configured.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Notifier sends trading alerts over Telegram.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New builds a notifier, or returns nil when Telegram is not
// configured.
func New(cfg *config.Config) (*Notifier, error) {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram notifier initialized")
	return &Notifier{api: api, chatID: cfg.TelegramChatID}, nil
}

// NotifySignal announces a new EV candidate.
func (n *Notifier) NotifySignal(sig *database.Signal) {
	if n == nil {
		return
	}

	emoji := "🟢"
	if sig.Side == "no" {
		emoji = "🔴"
	}

	msg := fmt.Sprintf(`%s *SIGNAL*

📊 *%s* — %s
━━━━━━━━━━━━━━━━
💵 Market: *%s¢*
🎯 Model: *%s¢*
📈 EV: *%s¢*`,
		emoji,
		sig.MarketTicker, sig.Side,
		cents(sig.PMkt),
		cents(sig.PTrueEst),
		cents(sig.ExpectedValue),
	)
	n.sendMarkdown(msg)
}

// NotifyFill announces an executed entry.
func (n *Notifier) NotifyFill(sig *database.Signal) {
	if n == nil {
		return
	}

	msg := fmt.Sprintf(`✅ *FILLED*

📊 %s %s
💵 Price: *%s¢*
📦 Size: *%d*`,
		sig.MarketTicker, sig.Side,
		cents(sig.ExecutedPrice),
		sig.ExecutedSize,
	)
	n.sendMarkdown(msg)
}

// NotifyExit announces a take-profit close.
func (n *Notifier) NotifyExit(ticker, side string, size int64, entry, exit decimal.Decimal) {
	if n == nil {
		return
	}

	msg := fmt.Sprintf(`💰 *TAKE PROFIT*

📊 %s %s
📦 Size: *%d*
💵 Entry: *%s¢* → Exit: *%s¢*`,
		ticker, side,
		size,
		cents(entry), cents(exit),
	)
	n.sendMarkdown(msg)
}

// NotifyDailySummary pushes the day's equity snapshot.
func (n *Notifier) NotifyDailySummary(snap *database.AccountPnlSnapshot) {
	if n == nil {
		return
	}

	emoji := "📈"
	if snap.RealizedPnL.Add(snap.UnrealizedPnL).IsNegative() {
		emoji = "📉"
	}

	msg := fmt.Sprintf(`%s *DAILY SUMMARY* (%s)
━━━━━━━━━━━━━━━━━━━━

💵 Realized: *$%s*
📊 Unrealized: *$%s*
💰 Equity: *$%s*`,
		emoji, snap.AsOfDate,
		snap.RealizedPnL.StringFixed(2),
		snap.UnrealizedPnL.StringFixed(2),
		snap.TotalEquity.StringFixed(2),
	)
	n.sendMarkdown(msg)
}

// NotifyError pushes an error alert.
func (n *Notifier) NotifyError(err error) {
	if n == nil {
		return
	}
	n.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error()))
}

// NotifyStartup announces a new run.
func (n *Notifier) NotifyStartup(mode, env string) {
	if n == nil {
		return
	}

	msg := fmt.Sprintf(`🚀 *KALSHIBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
🌐 Env: *%s*

Use calibrated EV signals responsibly`, mode, env)
	n.sendMarkdown(msg)
}

func (n *Notifier) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func cents(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(1)
}
