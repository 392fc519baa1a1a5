package handlers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/aggregation"
	"github.com/sqp-sync/backend/internal/query"
	"github.com/sqp-sync/backend/pkg/logger"
)

const dateLayout = "2006-01-02"

type KeywordHandler struct {
	engine *query.Engine
}

func NewKeywordHandler(engine *query.Engine) *KeywordHandler {
	return &KeywordHandler{
		engine: engine,
	}
}

// GetKeywords serves GET /api/v1/keywords.
func (h *KeywordHandler) GetKeywords(c *fiber.Ctx) error {
	req, err := parseReportRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	report, err := h.engine.KeywordReport(c.UserContext(), req)
	if err != nil {
		return reportError(c, "keywords", err)
	}
	return c.JSON(report)
}

func (h *KeywordHandler) GetTrends(c *fiber.Ctx) error {
	req, err := parseReportRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	trends, err := h.engine.Trends(c.UserContext(), req)
	if err != nil {
		return reportError(c, "trends", err)
	}
	return c.JSON(fiber.Map{"trends": trends})
}

func (h *KeywordHandler) GetScores(c *fiber.Ctx) error {
	req, err := parseReportRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	scores, err := h.engine.Scores(c.UserContext(), req)
	if err != nil {
		return reportError(c, "scores", err)
	}
	return c.JSON(fiber.Map{"scores": scores})
}

func (h *KeywordHandler) GetMarketShare(c *fiber.Ctx) error {
	req, err := parseReportRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	markets, err := h.engine.MarketShare(c.UserContext(), req)
	if err != nil {
		return reportError(c, "market_share", err)
	}
	return c.JSON(fiber.Map{"keywords": markets})
}

// parseReportRequest reads asins, keywords, start, end, compareStart,
// compareEnd, groupBy and window from the query string.
func parseReportRequest(c *fiber.Ctx) (query.Request, error) {
	var req query.Request
	var err error

	req.ASINs = splitList(c.Query("asins"), strings.ToUpper)
	req.Keywords = splitList(c.Query("keywords"), nil)
	req.GroupBy = aggregation.ParseGroupBy(c.Query("groupBy"))

	if req.Start, err = parseDate(c.Query("start"), "start"); err != nil {
		return req, err
	}
	if req.End, err = parseDate(c.Query("end"), "end"); err != nil {
		return req, err
	}
	if req.CompareStart, err = parseDate(c.Query("compareStart"), "compareStart"); err != nil {
		return req, err
	}
	if req.CompareEnd, err = parseDate(c.Query("compareEnd"), "compareEnd"); err != nil {
		return req, err
	}

	if w := c.Query("window"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n <= 0 {
			return req, errors.New("window must be a positive integer")
		}
		req.TrendWindow = n
	}
	return req, nil
}

func parseDate(value, name string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, errors.New(name + " must be a YYYY-MM-DD date")
	}
	return t, nil
}

func splitList(value string, normalize func(string) string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if normalize != nil {
			part = normalize(part)
		}
		out = append(out, part)
	}
	return out
}

func reportError(c *fiber.Ctx, report string, err error) error {
	if errors.Is(err, query.ErrInvalidRequest) {
		return badRequest(c, err.Error())
	}
	logger.Error("Failed to build report", zap.String("report", report), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to build report",
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}
