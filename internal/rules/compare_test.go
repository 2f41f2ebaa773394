package rules

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/watchlist"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func obs(sku, channel string, role watchlist.Role, competitor, price string) watchlist.Observation {
	o := watchlist.Observation{
		Entry: watchlist.Entry{
			SKU:            sku,
			Channel:        channel,
			Role:           role,
			CompetitorName: competitor,
			URL:            "https://" + channel + "/p/" + sku,
			Active:         true,
		},
		ObservedAt: time.Now().UTC(),
		Status:     watchlist.StatusOK,
	}
	if price != "" {
		o.Price = dec(price)
	}
	return o
}

func failedObs(sku, channel string, role watchlist.Role, status watchlist.Status) watchlist.Observation {
	o := obs(sku, channel, role, "", "")
	o.Status = status
	o.Error = "upstream said no"
	return o
}

func defaultThresholds() Thresholds {
	return Thresholds{Fallback: dec("0.10")}
}

func TestCompareGapRatioExact(t *testing.T) {
	verdicts, notices := Compare([]watchlist.Observation{
		obs("ABC123", "falabella", watchlist.RoleOwn, "", "100"),
		obs("ABC123", "falabella", watchlist.RoleCompetitor, "TiendaX", "85"),
	}, defaultThresholds())

	if len(notices) != 0 {
		t.Fatalf("expected no notices, got %v", notices)
	}
	if len(verdicts) != 1 {
		t.Fatalf("expected 1 verdict, got %d", len(verdicts))
	}
	v := verdicts[0]
	if !v.GapRatio.Equal(dec("-0.15")) {
		t.Fatalf("gap ratio should be exactly -0.15, got %s", v.GapRatio)
	}
	if !v.Exceeds {
		t.Fatal("a 15% undercut exceeds a 10% threshold")
	}
	if !v.Undercut() {
		t.Fatal("negative gap is an undercut")
	}
}

func TestCompareExceedsAtExactThreshold(t *testing.T) {
	verdicts, _ := Compare([]watchlist.Observation{
		obs("ABC123", "ripley", watchlist.RoleOwn, "", "100"),
		obs("ABC123", "ripley", watchlist.RoleCompetitor, "TiendaY", "90"),
	}, defaultThresholds())

	if len(verdicts) != 1 {
		t.Fatalf("expected 1 verdict, got %d", len(verdicts))
	}
	if !verdicts[0].Exceeds {
		t.Fatal("|gap| equal to the threshold must count as exceeding")
	}
}

func TestComparePositiveGapComputedBothDirections(t *testing.T) {
	verdicts, _ := Compare([]watchlist.Observation{
		obs("ABC123", "paris", watchlist.RoleOwn, "", "100"),
		obs("ABC123", "paris", watchlist.RoleCompetitor, "TiendaZ", "125"),
	}, defaultThresholds())

	if len(verdicts) != 1 {
		t.Fatalf("expected 1 verdict, got %d", len(verdicts))
	}
	v := verdicts[0]
	if !v.GapRatio.Equal(dec("0.25")) {
		t.Fatalf("expected gap 0.25, got %s", v.GapRatio)
	}
	if !v.Exceeds {
		t.Fatal("exceeding is direction-agnostic; escalation policy lives in the engine")
	}
}

func TestCompareThresholdPrecedence(t *testing.T) {
	entryOverride := obs("ABC123", "falabella", watchlist.RoleCompetitor, "TiendaX", "80")
	entryOverride.Entry.GapThreshold = dec("0.30")

	thresholds := Thresholds{
		ByChannel: map[string]decimal.Decimal{"falabella": dec("0.05")},
		Fallback:  dec("0.10"),
	}

	verdicts, _ := Compare([]watchlist.Observation{
		obs("ABC123", "falabella", watchlist.RoleOwn, "", "100"),
		entryOverride,
		obs("XYZ999", "falabella", watchlist.RoleOwn, "", "100"),
		obs("XYZ999", "falabella", watchlist.RoleCompetitor, "TiendaY", "96"),
	}, thresholds)

	if len(verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(verdicts))
	}
	byCompetitor := map[string]Verdict{}
	for _, v := range verdicts {
		byCompetitor[v.CompetitorName] = v
	}

	if got := byCompetitor["TiendaX"].Threshold; !got.Equal(dec("0.30")) {
		t.Fatalf("entry threshold should win, got %s", got)
	}
	if byCompetitor["TiendaX"].Exceeds {
		t.Fatal("20% gap is under the 30% entry threshold")
	}
	if got := byCompetitor["TiendaY"].Threshold; !got.Equal(dec("0.05")) {
		t.Fatalf("channel default should apply when the entry has none, got %s", got)
	}
}

func TestCompareMissingOwnNotice(t *testing.T) {
	verdicts, notices := Compare([]watchlist.Observation{
		obs("ABC123", "walmart", watchlist.RoleCompetitor, "TiendaX", "50"),
	}, defaultThresholds())

	if len(verdicts) != 0 {
		t.Fatalf("no verdict without an own price, got %d", len(verdicts))
	}
	if len(notices) != 1 || notices[0].Kind != NoticeMissingOwn {
		t.Fatalf("expected one missing_own notice, got %v", notices)
	}
}

func TestCompareOwnFetchFailedNotice(t *testing.T) {
	verdicts, notices := Compare([]watchlist.Observation{
		failedObs("ABC123", "walmart", watchlist.RoleOwn, watchlist.StatusFetchError),
		obs("ABC123", "walmart", watchlist.RoleCompetitor, "TiendaX", "50"),
	}, defaultThresholds())

	if len(verdicts) != 0 {
		t.Fatalf("a failed own fetch cannot anchor verdicts, got %d", len(verdicts))
	}
	if len(notices) != 1 || notices[0].Kind != NoticeOwnFetchFailed {
		t.Fatalf("expected one own_fetch_failed notice, got %v", notices)
	}
}

func TestCompareDuplicateOwnSurfaced(t *testing.T) {
	verdicts, notices := Compare([]watchlist.Observation{
		obs("ABC123", "ripley", watchlist.RoleOwn, "", "100"),
		obs("ABC123", "ripley", watchlist.RoleOwn, "", "110"),
	}, defaultThresholds())

	if len(verdicts) != 0 {
		t.Fatalf("duplicate own must never be silently resolved, got %d verdicts", len(verdicts))
	}
	if len(notices) != 1 || notices[0].Kind != NoticeDuplicateOwn {
		t.Fatalf("expected one duplicate_own notice, got %v", notices)
	}
}

func TestCompareNonPositiveOwnPrice(t *testing.T) {
	verdicts, notices := Compare([]watchlist.Observation{
		obs("ABC123", "ripley", watchlist.RoleOwn, "", "0"),
		obs("ABC123", "ripley", watchlist.RoleCompetitor, "TiendaX", "90"),
	}, defaultThresholds())

	if len(verdicts) != 0 {
		t.Fatal("a zero own price must never be divided into")
	}
	if len(notices) != 1 || notices[0].Kind != NoticeBadOwnPrice {
		t.Fatalf("expected one non_positive_own_price notice, got %v", notices)
	}
}

func TestCompareSkipsFailedCompetitors(t *testing.T) {
	verdicts, notices := Compare([]watchlist.Observation{
		obs("ABC123", "falabella", watchlist.RoleOwn, "", "100"),
		failedObs("ABC123", "falabella", watchlist.RoleCompetitor, watchlist.StatusTimeout),
		obs("ABC123", "falabella", watchlist.RoleCompetitor, "TiendaY", "85"),
	}, defaultThresholds())

	if len(notices) != 0 {
		t.Fatalf("failed competitors are not data-quality notices, got %v", notices)
	}
	if len(verdicts) != 1 || verdicts[0].CompetitorName != "TiendaY" {
		t.Fatalf("expected a verdict only for the successful competitor, got %v", verdicts)
	}
}

func TestCompareNoticeEmittedWithoutUsableCompetitor(t *testing.T) {
	verdicts, notices := Compare([]watchlist.Observation{
		failedObs("ABC123", "walmart", watchlist.RoleOwn, watchlist.StatusFetchError),
		failedObs("ABC123", "walmart", watchlist.RoleCompetitor, watchlist.StatusTimeout),
	}, defaultThresholds())

	if len(verdicts) != 0 {
		t.Fatalf("two failures cannot pair into a verdict, got %d", len(verdicts))
	}
	if len(notices) != 1 || notices[0].Kind != NoticeOwnFetchFailed {
		t.Fatalf("the own failure is reported even when no competitor succeeded, got %v", notices)
	}
}

func TestCompareMissingOwnNoticeWithFailedCompetitorOnly(t *testing.T) {
	_, notices := Compare([]watchlist.Observation{
		failedObs("ABC123", "walmart", watchlist.RoleCompetitor, watchlist.StatusFetchError),
	}, defaultThresholds())

	if len(notices) != 1 || notices[0].Kind != NoticeMissingOwn {
		t.Fatalf("a group with no own observation is a data-quality finding regardless of competitor outcomes, got %v", notices)
	}
}

func TestCompareOwnOnlyGroupIsQuiet(t *testing.T) {
	verdicts, notices := Compare([]watchlist.Observation{
		obs("ABC123", "prochef", watchlist.RoleOwn, "", "100"),
	}, defaultThresholds())

	if len(verdicts) != 0 || len(notices) != 0 {
		t.Fatalf("an own-only group has nothing to compare and nothing to report, got %v / %v", verdicts, notices)
	}
}
