package conversation

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"trading-assistant/internal/market"
)

// Intent is one element of the closed intent set.
type Intent string

const (
	IntentBuy             Intent = "buy"
	IntentSell            Intent = "sell"
	IntentAskAdvice       Intent = "ask_advice"
	IntentCheckPosition   Intent = "check_position"
	IntentPortfolioAdjust Intent = "portfolio_adjust"
	IntentMarketAnalysis  Intent = "market_analysis"
	IntentRunBacktest     Intent = "run_backtest"
	IntentChat            Intent = "chat"
)

var intentSet = map[Intent]bool{
	IntentBuy: true, IntentSell: true, IntentAskAdvice: true,
	IntentCheckPosition: true, IntentPortfolioAdjust: true,
	IntentMarketAnalysis: true, IntentRunBacktest: true, IntentChat: true,
}

// intentList is the order the LLM prompt presents the set in.
func intentList() []string {
	return []string{
		string(IntentBuy), string(IntentSell), string(IntentAskAdvice),
		string(IntentCheckPosition), string(IntentPortfolioAdjust),
		string(IntentMarketAnalysis), string(IntentRunBacktest), string(IntentChat),
	}
}

// Command is a classified message with its extracted slots.
type Command struct {
	Intent     Intent
	Confidence float64

	Asset    market.Asset
	HasAsset bool
	Quantity float64
	HasQty   bool
	Price    float64
	HasPrice bool

	// run_backtest slots.
	Start    time.Time
	End      time.Time
	Strategy string
	Capital  float64
}

// vocabEntry pairs an intent with its keyword vocabulary. Matching
// walks the slice in order so more specific intents win; question
// phrasings come before bare buy/sell verbs, which keeps "should I
// sell" an advice request.
type vocabEntry struct {
	intent   Intent
	keywords []string
}

var vocab = []vocabEntry{
	{IntentRunBacktest, []string{"backtest", "back test", "回测", "백테스트"}},
	{IntentAskAdvice, []string{"should i", "recommend", "advice", "advise", "分析", "建议", "怎么看", "조언", "추천", "분석", "어때"}},
	{IntentBuy, []string{"buy", "买入", "购买", "建仓", "매수", "매입"}},
	{IntentSell, []string{"sell", "卖出", "卖掉", "出售", "平仓", "매도", "팔아"}},
	{IntentCheckPosition, []string{"position", "holding", "持仓", "仓位", "포지션", "보유"}},
	{IntentPortfolioAdjust, []string{"portfolio", "rebalance", "组合", "调仓", "포트폴리오", "리밸런싱"}},
	{IntentMarketAnalysis, []string{"market", "overview", "大盘", "行情", "市场", "시장", "시황"}},
}

var (
	qtyRe         = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:股|张|个|枚|주|coins?|shares?|units?)`)
	priceMarkerRe = regexp.MustCompile(`(?:价格|가격|단가|price|[@＠]|\bat)\s*[:：]?\s*(\d+(?:\.\d+)?)`)
	priceSuffixRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:元|원|won|krw|usd)`)
	bareNumberRe  = regexp.MustCompile(`\d+(?:\.\d+)?`)
	isoDateRe     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

	lastNDaysRe = regexp.MustCompile(`(?:last|past|最近|过去|최근)\s*(\d+)\s*(?:days?|天|日|일)`)
	isoRangeRe  = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\s*(?:to|until|~|至|부터)\s*(\d{4}-\d{2}-\d{2})`)
	capitalRe   = regexp.MustCompile(`(?:capital|资金|本金|자본금|자본|자금)\s*[:：]?\s*(\d+(?:\.\d+)?)`)
)

// strategyAliases maps loose strategy mentions to canonical names.
// Canonical names themselves always match, with spaces or hyphens.
var strategyAliases = []struct{ token, name string }{
	{"intraday_breakout", "intraday_breakout"},
	{"intraday breakout", "intraday_breakout"},
	{"breakout", "intraday_breakout"},
	{"ma_cross_rsi", "ma_cross_rsi"},
	{"ma cross", "ma_cross_rsi"},
	{"moving average", "ma_cross_rsi"},
	{"momentum_reversal", "momentum_reversal"},
	{"momentum reversal", "momentum_reversal"},
	{"reversal", "momentum_reversal"},
	{"orderflow_anomaly", "orderflow_anomaly"},
	{"orderflow", "orderflow_anomaly"},
	{"order flow", "orderflow_anomaly"},
	{"news_momentum", "news_momentum"},
	{"news momentum", "news_momentum"},
}

// classifyRules runs the keyword pass and slot extraction. The returned
// confidence decides whether the LLM pass still runs.
func classifyRules(text string, catalog *market.Catalog) Command {
	lower := strings.ToLower(text)
	cmd := Command{Intent: IntentChat, Confidence: 0.3}

	if catalog != nil {
		if asset, ok := catalog.FindInText(text); ok {
			cmd.Asset = asset
			cmd.HasAsset = true
		}
	}

	cmd.Quantity, cmd.HasQty = extractQuantity(lower, cmd)
	cmd.Price, cmd.HasPrice = extractPrice(lower)

	matched := false
	for _, entry := range vocab {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				cmd.Intent = entry.intent
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}

	switch {
	case matched && (cmd.Intent == IntentBuy || cmd.Intent == IntentSell):
		cmd.Confidence = 0.6
		if cmd.HasQty {
			cmd.Confidence = 0.75
		}
		if cmd.HasAsset {
			cmd.Confidence += 0.15
		}
	case matched && cmd.Intent == IntentRunBacktest:
		cmd.Confidence = 0.9
		fillBacktestSlots(lower, &cmd)
	case matched:
		cmd.Confidence = 0.75
		if cmd.Intent == IntentAskAdvice && cmd.HasAsset {
			cmd.Confidence = 0.85
		}
	case cmd.HasAsset:
		// A symbol with no verb is weak evidence for an advice request.
		cmd.Intent = IntentAskAdvice
		cmd.Confidence = 0.5
	}
	if cmd.Confidence > 0.95 {
		cmd.Confidence = 0.95
	}
	return cmd
}

// extractQuantity prefers unit-suffixed numbers; with no suffix it
// accepts a lone unclaimed number. Asset codes, prices, and dates are
// stripped before the lone-number check so they never read as size.
func extractQuantity(lower string, cmd Command) (float64, bool) {
	if m := qtyRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return v, true
		}
	}

	stripped := isoDateRe.ReplaceAllString(lower, " ")
	stripped = priceMarkerRe.ReplaceAllString(stripped, " ")
	stripped = priceSuffixRe.ReplaceAllString(stripped, " ")
	if cmd.HasAsset {
		stripped = strings.ReplaceAll(stripped, strings.ToLower(cmd.Asset.ID), " ")
	}
	nums := bareNumberRe.FindAllString(stripped, -1)
	if len(nums) != 1 {
		return 0, false
	}
	v, err := strconv.ParseFloat(nums[0], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func extractPrice(lower string) (float64, bool) {
	if m := priceMarkerRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return v, true
		}
	}
	if m := priceSuffixRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return v, true
		}
	}
	return 0, false
}

// fillBacktestSlots parses date range, strategy, and capital mentions.
func fillBacktestSlots(lower string, cmd *Command) {
	if m := isoRangeRe.FindStringSubmatch(lower); m != nil {
		if start, err := time.Parse("2006-01-02", m[1]); err == nil {
			cmd.Start = start
		}
		if end, err := time.Parse("2006-01-02", m[2]); err == nil {
			cmd.End = end
		}
	} else if m := lastNDaysRe.FindStringSubmatch(lower); m != nil {
		if days, err := strconv.Atoi(m[1]); err == nil && days > 0 {
			cmd.End = time.Now()
			cmd.Start = cmd.End.AddDate(0, 0, -days)
		}
	}

	for _, alias := range strategyAliases {
		if strings.Contains(lower, alias.token) {
			cmd.Strategy = alias.name
			break
		}
	}

	if m := capitalRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			cmd.Capital = v
		}
	}
}
