package driftguard

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// IdentityFunc extracts the tracked identity from a request. The default
// prefers an authenticated caller ID over the network address so NAT'd users
// are not lumped together.
type IdentityFunc func(c *fiber.Ctx) string

// DefaultIdentity resolves, in order: the X-API-Key header, the first hop of
// X-Forwarded-For, X-Real-IP, then the connection address.
func DefaultIdentity(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if fwd := c.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return "ip:" + ip
		}
	}
	if ip := c.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + c.IP()
}

// Middleware records every request and enforces the engine's decision.
// Record failures never reject traffic; only an explicit block or throttle
// verdict does.
func (e *Engine) Middleware(identityOf IdentityFunc) fiber.Handler {
	if identityOf == nil {
		identityOf = DefaultIdentity
	}
	return func(c *fiber.Ctx) error {
		identity := identityOf(c)
		now := e.clock()

		if err := e.Record(identity, now); err != nil {
			if errors.Is(err, ErrInvalidIdentity) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "identity could not be determined",
				})
			}
			// Clock skew and other ingest errors fail open.
			e.logger.Debug("record rejected: " + err.Error())
		}

		d := e.Decide(identity)
		switch d.Action {
		case ActionBlock:
			setRetryAfter(c, d)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":      "access blocked",
				"retryAfter": d.RetryAfter.Seconds(),
			})
		case ActionThrottle:
			setRetryAfter(c, d)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":      "rate limited",
				"retryAfter": d.RetryAfter.Seconds(),
			})
		case ActionChallenge:
			// Deployments with a challenge flow hook in here; standalone we
			// tag the response and let the request through.
			c.Set("X-DriftGuard-Challenge", "required")
		}
		return c.Next()
	}
}

func setRetryAfter(c *fiber.Ctx, d Decision) {
	if d.RetryAfter > 0 {
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Set("Retry-After", strconv.Itoa(secs))
	}
}

// RegisterAdminRoutes exposes the operator surface on the given router:
//
//	GET  /identities/:identity   latest composite score
//	GET  /identities/:identity/decision
//	GET  /campaigns              campaigns from the last correlation pass
//	GET  /summary                ledger summary and population counts
//	PUT  /lists/:identity        operator allow/deny override
func (e *Engine) RegisterAdminRoutes(router fiber.Router) {
	router.Get("/identities/:identity", func(c *fiber.Ctx) error {
		score, err := e.Inspect(c.Params("identity"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "identity not tracked"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(score)
	})

	router.Get("/identities/:identity/decision", func(c *fiber.Ctx) error {
		return c.JSON(e.Decide(c.Params("identity")))
	})

	router.Get("/campaigns", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"campaigns": e.Campaigns()})
	})

	router.Get("/summary", func(c *fiber.Ctx) error {
		resp := fiber.Map{
			"trackedIdentities": e.TrackedIdentities(),
			"campaigns":         len(e.Campaigns()),
		}
		if e.ledger != nil {
			resp["ledger"] = e.ledger.Summary()
		}
		return c.JSON(resp)
	})

	router.Put("/lists/:identity", func(c *fiber.Ctx) error {
		if e.store == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "no decision store configured"})
		}
		var body struct {
			Verdict string `json:"verdict"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
		var v ListVerdict
		switch body.Verdict {
		case "allow":
			v = ListAllow
		case "deny":
			v = ListDeny
		case "none", "":
			v = ListNone
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "verdict must be allow, deny or none"})
		}
		if err := e.store.SetList(c.Params("identity"), v); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
