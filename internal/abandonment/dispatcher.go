package abandonment

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cartwatch/internal/cart"
	"cartwatch/internal/mail"
	logx "cartwatch/pkg/logx"
)

// reminderNamespace scopes idempotency keys to cart reminders.
var reminderNamespace = uuid.MustParse("0b7c3a52-9d0e-4f61-8a57-2c1f3e6d4b90")

// IdempotencyKey is stable for a (cart, stage) pair, so a retried stage send
// carries the same key as the original attempt.
func IdempotencyKey(cartID string, stage int) string {
	return uuid.NewSHA1(reminderNamespace, []byte(cartID+":"+strconv.Itoa(stage))).String()
}

// Result is the outcome of one SendReminder call.
type Result struct {
	CartID    string `json:"cartId"`
	Stage     int    `json:"stage"`
	Template  string `json:"template,omitempty"`
	Sent      bool   `json:"sent"`
	Recorded  bool   `json:"recorded"`
	MessageID string `json:"messageId,omitempty"`
	Err       error  `json:"-"`
}

// Dispatcher renders, sends and records one reminder.
type Dispatcher struct {
	store cart.Store
	mail  mail.Provider
	log   logx.Logger

	mu          sync.RWMutex
	tpl         *mail.Templates
	recoveryURL string
}

func NewDispatcher(store cart.Store, provider mail.Provider, tpl *mail.Templates, recoveryURL string, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		store:       store,
		mail:        provider,
		tpl:         tpl,
		recoveryURL: recoveryURL,
		log:         log.With(logx.String("comp", "dispatcher")),
	}
}

// Apply swaps templates and the recovery link. A nil tpl keeps the current set.
func (d *Dispatcher) Apply(tpl *mail.Templates, recoveryURL string) {
	d.mu.Lock()
	if tpl != nil {
		d.tpl = tpl
	}
	d.recoveryURL = recoveryURL
	d.mu.Unlock()
}

// Templates returns the active template set.
func (d *Dispatcher) Templates() *mail.Templates {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tpl
}

// SendReminder sends stage st to c and, only when the provider accepts it,
// records count=st.Number and last-sent=now. A provider failure leaves the
// cart untouched so the next pass retries the same stage.
func (d *Dispatcher) SendReminder(ctx context.Context, c cart.Cart, st Stage, now time.Time) Result {
	res := Result{CartID: c.ID, Stage: st.Number, Template: st.Template}
	fail := func(op string, err error) Result {
		res.Err = &DispatchError{CartID: c.ID, Stage: st.Number, Op: op, Err: err}
		return res
	}

	if strings.TrimSpace(c.Email) == "" {
		return fail(OpValidate, ErrNoRecipient)
	}
	if st.Number != c.AbandonmentEmailCount+1 {
		return fail(OpValidate, cart.ErrStaleCart)
	}

	d.mu.RLock()
	tpl, recoveryURL := d.tpl, d.recoveryURL
	d.mu.RUnlock()
	if tpl == nil {
		return fail(OpRender, mail.ErrUnknownTemplate)
	}
	body, err := tpl.Render(st.Template, mail.NewTemplateData(c, st.Number, recoveryURL))
	if err != nil {
		return fail(OpRender, err)
	}

	id, err := d.mail.Send(ctx, mail.Message{
		To:             c.Email,
		ToName:         c.UserName,
		Subject:        body.Subject,
		HTML:           body.HTML,
		Text:           body.Text,
		Template:       st.Template,
		IdempotencyKey: IdempotencyKey(c.ID, st.Number),
		Tags:           map[string]string{"cart": c.ID, "stage": strconv.Itoa(st.Number)},
	})
	if err != nil {
		return fail(OpSend, err)
	}
	res.Sent = true
	res.MessageID = id

	// The send already happened; the store write must not be cut short by a
	// cancelled pass context.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.store.RecordReminder(rctx, c.ID, st.Number, now); err != nil {
		if errors.Is(err, cart.ErrStaleCart) {
			d.log.Warn("cart changed after send; reminder not recorded",
				logx.String("cart", c.ID), logx.Int("stage", st.Number), logx.Err(err))
		}
		return fail(OpRecord, err)
	}
	res.Recorded = true
	return res
}
