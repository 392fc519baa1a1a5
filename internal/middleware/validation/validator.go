package validation

import (
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	asinPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	xssPattern  = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
)

var dateParams = []string{"start", "end", "compareStart", "compareEnd"}

type Config struct {
	MaxKeywords      int
	MaxKeywordLength int
	MaxASINs         int
	// MaxRangeDays bounds start..end so one request cannot scan the whole table.
	MaxRangeDays        int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware checks report query strings and request content types before
// they reach handlers.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxKeywords == 0 {
		cfg.MaxKeywords = 100
	}
	if cfg.MaxKeywordLength == 0 {
		cfg.MaxKeywordLength = 200
	}
	if cfg.MaxASINs == 0 {
		cfg.MaxASINs = 50
	}
	if cfg.MaxRangeDays == 0 {
		cfg.MaxRangeDays = 366
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		if strings.HasPrefix(c.Path(), "/api/v1/keywords") {
			if msg := checkReportQuery(c, cfg); msg != "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": msg,
				})
			}
		}

		return c.Next()
	}
}

func checkReportQuery(c *fiber.Ctx, cfg Config) string {
	asins := split(c.Query("asins"))
	if len(asins) > cfg.MaxASINs {
		return "Too many ASINs"
	}
	for _, asin := range asins {
		if !asinPattern.MatchString(strings.ToUpper(asin)) {
			return "Invalid ASIN: " + asin
		}
	}

	keywords := split(c.Query("keywords"))
	if len(keywords) > cfg.MaxKeywords {
		return "Too many keywords"
	}
	for _, kw := range keywords {
		if len(kw) > cfg.MaxKeywordLength {
			return "Keyword exceeds maximum length"
		}
		if xssPattern.MatchString(kw) {
			cfg.Logger.Warn("Potential XSS attempt",
				zap.String("ip", c.IP()),
				zap.String("keyword", kw),
			)
			return "Invalid keyword content"
		}
	}

	dates := make(map[string]time.Time, len(dateParams))
	for _, name := range dateParams {
		v := c.Query(name)
		if v == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return name + " must be a YYYY-MM-DD date"
		}
		dates[name] = t
	}

	start, okStart := dates["start"]
	end, okEnd := dates["end"]
	if okStart && okEnd && end.Sub(start) > time.Duration(cfg.MaxRangeDays)*24*time.Hour {
		return "Date range is too long"
	}
	return ""
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func split(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
