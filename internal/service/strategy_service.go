package service

import (
	"errors"
	"fmt"
	"math"
	"time"

	config "github.com/maheshrc27/postflow-analytics/configs"
	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/provider"
)

const (
	StrategyBackfill    = "backfill"
	StrategyIncremental = "incremental"
	StrategyGapFill     = "gap_fill"
)

var (
	ErrInvalidAccount  = errors.New("account id is required")
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Strategy is the window one sync run fetches.
type Strategy struct {
	Name      string `json:"strategy"`
	DaysBack  int    `json:"days_back"`
	ItemLimit int    `json:"item_limit"`
}

// Window anchors the strategy at now.
func (s Strategy) Window(now time.Time) provider.Window {
	return provider.Window{
		Since:    now.Add(-time.Duration(s.DaysBack) * 24 * time.Hour),
		Until:    now,
		DaysBack: s.DaysBack,
	}
}

func ValidStrategy(name string) bool {
	switch name {
	case StrategyBackfill, StrategyIncremental, StrategyGapFill:
		return true
	}
	return false
}

type StrategyService interface {
	// SelectStrategy picks a window from the account's sync history.
	SelectStrategy(account *models.Account, now time.Time) (Strategy, error)
	// Resolve honours override when set and otherwise selects.
	Resolve(account *models.Account, override string, now time.Time) (Strategy, error)
}

type strategyService struct {
	cfg config.StrategyConfig
}

func NewStrategyService(cfg config.StrategyConfig) StrategyService {
	return &strategyService{cfg: cfg}
}

func (s *strategyService) SelectStrategy(account *models.Account, now time.Time) (Strategy, error) {
	return s.Resolve(account, "", now)
}

func (s *strategyService) Resolve(account *models.Account, override string, now time.Time) (Strategy, error) {
	if account == nil || account.ID == 0 {
		return Strategy{}, ErrInvalidAccount
	}
	w := s.cfg.For(string(account.Platform))

	last := account.LastSuccessfulSyncAt
	// A reconnected account starts over like a first sync.
	if last != nil && account.ConnectionTime().After(*last) {
		last = nil
	}

	switch override {
	case "":
	case StrategyBackfill:
		return clamp(w, backfill(w)), nil
	case StrategyIncremental:
		return clamp(w, incremental(w)), nil
	case StrategyGapFill:
		if last == nil {
			return clamp(w, Strategy{Name: StrategyGapFill, DaysBack: w.GapFillCapDays, ItemLimit: w.GapFillItemLimit}), nil
		}
		return clamp(w, gapFill(w, now.Sub(*last))), nil
	default:
		return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, override)
	}

	if last == nil {
		return clamp(w, backfill(w)), nil
	}

	gap := now.Sub(*last)
	switch {
	case gap <= w.IncrementalMaxGap:
		return clamp(w, incremental(w)), nil
	case gapDays(gap) <= float64(w.GapFillMaxGapDays):
		return clamp(w, gapFill(w, gap)), nil
	default:
		return clamp(w, backfill(w)), nil
	}
}

func backfill(w config.StrategyWindows) Strategy {
	return Strategy{Name: StrategyBackfill, DaysBack: w.BackfillDays, ItemLimit: w.BackfillItemLimit}
}

func incremental(w config.StrategyWindows) Strategy {
	return Strategy{Name: StrategyIncremental, DaysBack: w.IncrementalDays, ItemLimit: w.IncrementalItemLimit}
}

// gapFill covers the gap plus one day, bounded by the cap.
func gapFill(w config.StrategyWindows, gap time.Duration) Strategy {
	days := int(math.Ceil(gapDays(gap))) + 1
	if w.GapFillCapDays > 0 && days > w.GapFillCapDays {
		days = w.GapFillCapDays
	}
	return Strategy{Name: StrategyGapFill, DaysBack: days, ItemLimit: w.GapFillItemLimit}
}

func gapDays(gap time.Duration) float64 {
	if gap < 0 {
		return 0
	}
	return gap.Hours() / 24
}

func clamp(w config.StrategyWindows, s Strategy) Strategy {
	if w.MaxLookbackDays > 0 && s.DaysBack > w.MaxLookbackDays {
		s.DaysBack = w.MaxLookbackDays
	}
	if s.DaysBack < 1 {
		s.DaysBack = 1
	}
	if s.ItemLimit < 0 {
		s.ItemLimit = 0
	}
	return s
}
