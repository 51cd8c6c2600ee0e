package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"trading-assistant/internal/backtest"
	"trading-assistant/internal/llm"
	"trading-assistant/internal/market"
	"trading-assistant/internal/pipeline"
	"trading-assistant/internal/position"
)

// ruleConfidenceBar is the rule-classifier confidence above which the
// LLM classification pass is skipped.
const ruleConfidenceBar = 0.7

const refusalMessage = "You are not on the allowed user list for this assistant."

const chatFallback = "I can open and close simulated positions, give buy/sell/hold advice on watchlist assets, " +
	"show positions and portfolio state, summarize the market, and run strategy backtests. " +
	"Try: \"advice on 005930\", \"buy 10 KRW-BTC\", or \"backtest intraday_breakout on 005930\"."

// QuoteSource supplies current prices for market orders placed without
// an explicit price.
type QuoteSource interface {
	Quote(ctx context.Context, asset market.Asset) (market.Quote, error)
}

// Adviser produces per-asset advice and market overviews. Satisfied by
// *pipeline.Pipeline.
type Adviser interface {
	Advise(ctx context.Context, asset market.Asset) (pipeline.Advice, error)
	Overview(ctx context.Context) (string, error)
}

// BacktestRunner executes a historical simulation. Satisfied by
// *backtest.Runner.
type BacktestRunner interface {
	Run(ctx context.Context, req backtest.Request) (*backtest.Result, error)
}

// Converter normalizes an amount between currencies. Satisfied by
// *market.RateTable. The bool reports that a stale or fallback rate
// was used.
type Converter interface {
	Convert(amount float64, from, to string) (float64, bool, error)
}

// Router turns chat messages into trading actions and rendered replies.
// Classification runs a keyword pass first and consults the LLM only
// when the rules are unsure.
type Router struct {
	catalog *market.Catalog
	source  QuoteSource
	tracker *position.Tracker
	adviser Adviser
	runner  BacktestRunner
	llm     *llm.Router // nil disables the LLM classification pass
	allowed map[int64]bool
	convert Converter // nil leaves portfolio totals in native currencies
	display string
	log     zerolog.Logger
}

func NewRouter(
	catalog *market.Catalog,
	source QuoteSource,
	tracker *position.Tracker,
	adviser Adviser,
	runner BacktestRunner,
	llmRouter *llm.Router,
	allowedUsers []int64,
	log zerolog.Logger,
) *Router {
	allowed := make(map[int64]bool, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = true
	}
	return &Router{
		catalog: catalog,
		source:  source,
		tracker: tracker,
		adviser: adviser,
		runner:  runner,
		llm:     llmRouter,
		allowed: allowed,
		log:     log.With().Str("component", "conversation").Logger(),
	}
}

// SetDisplay enables portfolio total conversion into one display
// currency.
func (r *Router) SetDisplay(conv Converter, currency string) {
	r.convert = conv
	r.display = currency
}

// HandleMessage classifies one user message and executes the resulting
// command. The reply is Telegram Markdown. Unknown users are refused
// before any classification work runs.
func (r *Router) HandleMessage(ctx context.Context, userID int64, text string) string {
	if !r.allowed[userID] {
		r.log.Warn().Int64("user_id", userID).Msg("message from unauthorized user refused")
		return refusalMessage
	}

	cmd := classifyRules(text, r.catalog)
	if cmd.Confidence < ruleConfidenceBar && r.llm != nil {
		cmd = r.classifyLLM(ctx, text, cmd)
	}
	r.log.Info().
		Int64("user_id", userID).
		Str("intent", string(cmd.Intent)).
		Float64("confidence", cmd.Confidence).
		Msg("message classified")

	switch cmd.Intent {
	case IntentBuy:
		return r.handleBuy(ctx, cmd)
	case IntentSell:
		return r.handleSell(ctx, cmd)
	case IntentAskAdvice:
		return r.handleAdvice(ctx, cmd)
	case IntentCheckPosition:
		return r.handlePositions(cmd)
	case IntentPortfolioAdjust:
		return r.handlePortfolio()
	case IntentMarketAnalysis:
		return r.handleMarket(ctx)
	case IntentRunBacktest:
		return r.handleBacktest(ctx, cmd)
	}
	return chatFallback
}

// classifyLLM asks the lightweight model to pick an intent. The rule
// result stands when the call fails or returns something outside the
// closed set; slots always come from the rule pass.
func (r *Router) classifyLLM(ctx context.Context, text string, cmd Command) Command {
	spec := llm.PromptSpec{
		System: llm.SystemIntent,
		Task:   "Classify the user message into exactly one of the listed intents.",
		Blocks: []llm.ContextBlock{
			{Name: "Intents", Body: strings.Join(intentList(), ", ")},
			{Name: "Message", Body: text},
		},
		Schema: llm.IntentSchema,
	}
	var resp llm.IntentResponse
	if err := r.llm.CompleteJSON(ctx, llm.TaskLightweight, spec, &resp); err != nil {
		r.log.Debug().Err(err).Msg("intent classification fell back to keyword result")
		return cmd
	}
	intent := Intent(resp.Intent)
	if !intentSet[intent] {
		intent = IntentChat
	}
	cmd.Intent = intent
	cmd.Confidence = resp.Confidence
	return cmd
}

func (r *Router) handleBuy(ctx context.Context, cmd Command) string {
	if !cmd.HasAsset {
		return "Which asset should I buy? Name a watchlist symbol, for example 005930 or KRW-BTC."
	}
	if !cmd.HasQty {
		return fmt.Sprintf("How many units of %s should I buy?", cmd.Asset.Name)
	}
	price := cmd.Price
	if !cmd.HasPrice {
		q, err := r.source.Quote(ctx, cmd.Asset)
		if err != nil {
			return fmt.Sprintf("I could not fetch a current price for %s: %v. Give a price and I will use it.", cmd.Asset.Name, err)
		}
		price = q.Price
	}
	pos, err := r.tracker.Open(position.OpenRequest{
		Asset:    cmd.Asset,
		Side:     position.SideLong,
		Quantity: cmd.Quantity,
		Price:    price,
		Cause:    position.CauseUser,
	})
	if err != nil {
		return fmt.Sprintf("Could not open the position: %v", err)
	}
	return renderOpened(pos)
}

// handleSell closes the open long in the named asset. Without an
// explicit quantity the whole remaining position is closed.
func (r *Router) handleSell(ctx context.Context, cmd Command) string {
	if !cmd.HasAsset {
		return "Which asset should I sell?"
	}
	var open *position.Position
	for _, p := range r.tracker.Query(cmd.Asset.ID) {
		if p.Side == position.SideLong {
			open = &p
			break
		}
	}
	if open == nil {
		return fmt.Sprintf("No open long position in %s (%s).", cmd.Asset.Name, cmd.Asset.ID)
	}
	qty := cmd.Quantity
	if !cmd.HasQty || qty > open.QuantityRemaining {
		qty = open.QuantityRemaining
	}
	price := cmd.Price
	if !cmd.HasPrice {
		q, err := r.source.Quote(ctx, cmd.Asset)
		if err != nil {
			return fmt.Sprintf("I could not fetch a current price for %s: %v. Give a price and I will use it.", cmd.Asset.Name, err)
		}
		price = q.Price
	}
	pnl, err := r.tracker.Close(position.CloseRequest{
		Asset:    cmd.Asset.ID,
		Side:     position.SideLong,
		Quantity: qty,
		Price:    price,
		Cause:    position.CauseUser,
	})
	if err != nil {
		return fmt.Sprintf("Could not close the position: %v", err)
	}
	return renderClosed(cmd.Asset, qty, price, pnl)
}

func (r *Router) handleAdvice(ctx context.Context, cmd Command) string {
	if !cmd.HasAsset {
		return "Which asset do you want advice on?"
	}
	adv, err := r.adviser.Advise(ctx, cmd.Asset)
	if err != nil {
		return fmt.Sprintf("Advice for %s is unavailable right now: %v", cmd.Asset.Name, err)
	}
	return renderAdvice(cmd.Asset, adv)
}

func (r *Router) handlePositions(cmd Command) string {
	filter := ""
	if cmd.HasAsset {
		filter = cmd.Asset.ID
	}
	positions := r.tracker.Query(filter)
	if len(positions) == 0 {
		if filter != "" {
			return fmt.Sprintf("No open positions in %s.", cmd.Asset.Name)
		}
		return "No open positions."
	}
	return renderPositions(positions)
}

func (r *Router) handlePortfolio() string {
	snap := r.tracker.Portfolio()
	var totals *displayTotals
	if r.convert != nil && r.display != "" {
		t := convertTotals(r.tracker.Query(""), r.convert, r.display)
		totals = &t
	}
	return renderPortfolio(snap, totals)
}

func (r *Router) handleMarket(ctx context.Context) string {
	text, err := r.adviser.Overview(ctx)
	if err != nil {
		return fmt.Sprintf("Market overview is unavailable right now: %v", err)
	}
	return fmt.Sprintf("*Market Overview*\n\n%s", text)
}

func (r *Router) handleBacktest(ctx context.Context, cmd Command) string {
	if !cmd.HasAsset {
		return "Which asset should I backtest?"
	}
	if cmd.Strategy == "" {
		return fmt.Sprintf("Which strategy? Available: %s.", strings.Join(backtest.StrategyNames(), ", "))
	}
	res, err := r.runner.Run(ctx, backtest.Request{
		Asset:    cmd.Asset,
		Strategy: cmd.Strategy,
		Start:    cmd.Start,
		End:      cmd.End,
		Capital:  cmd.Capital,
	})
	if err != nil {
		return fmt.Sprintf("Backtest failed: %v", err)
	}
	return renderBacktest(cmd.Asset, cmd.Strategy, res)
}
