package commands

import (
	"fmt"
	"time"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/process"
)

// Sample process keys shipped with the CLI.
const (
	InvoiceProcess  = "invoice"
	ReminderProcess = "reminder"
	PaymentProcess  = "payment"
)

// ApprovalLimit is the invoice total above which a person has to approve.
const ApprovalLimit = 1000

// Catalog builds the sample process definitions. Definitions live in
// code, so every weft invocation deploys the same catalog.
func Catalog() ([]*process.Definition, error) {
	builders := []*process.Builder{
		invoiceProcess(),
		reminderProcess(),
		paymentProcess(),
	}
	defs := make([]*process.Definition, 0, len(builders))
	for _, b := range builders {
		def, err := b.Build()
		if err != nil {
			return nil, errors.Wrap(err, "invalid sample process")
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// invoiceProcess totals an invoice, asks for approval above the limit and
// books it asynchronously. Approval escalates after a day.
func invoiceProcess() *process.Builder {
	return process.New(InvoiceProcess, "1.0.0").
		Name("Invoice approval").
		StartEvent("received").
		ScriptTask("total", "amount * quantity", process.ResultVariable("total")).
		ExclusiveGateway("needs-approval", process.DefaultFlow("small-invoice")).
		UserTask("approve").
		BoundaryTimer("escalate", "approve", process.Duration(24*time.Hour)).
		EndEvent("escalated").
		ServiceTask("book", bookInvoice, process.AsyncBefore(), process.JobPriority(5)).
		EndEvent("booked").
		Flow("received", "total").
		Flow("total", "needs-approval").
		Flow("needs-approval", "approve", process.Condition(fmt.Sprintf("total > %d", ApprovalLimit))).
		Flow("needs-approval", "book", process.FlowID("small-invoice")).
		Flow("approve", "book").
		Flow("escalate", "escalated")
}

func bookInvoice(ae process.ActivityExecution) error {
	total, _, err := ae.Variable("total")
	if err != nil {
		return err
	}
	logger.Logger.Infow("Invoice booked",
		logger.FieldProcessInstanceID, ae.ProcessInstanceID(),
		"total", total)
	return ae.SetVariable("booked", true)
}

// reminderProcess waits a short while, then fans out two reminders that
// join before the end.
func reminderProcess() *process.Builder {
	return process.New(ReminderProcess, "1.0.0").
		Name("Payment reminder").
		StartEvent("due").
		IntermediateTimer("grace-period", process.Duration(2*time.Second)).
		ParallelGateway("fan-out").
		ServiceTask("email", remind("email")).
		ServiceTask("sms", remind("sms")).
		ParallelGateway("fan-in").
		EndEvent("reminded").
		Flow("due", "grace-period").
		Flow("grace-period", "fan-out").
		Flow("fan-out", "email").
		Flow("fan-out", "sms").
		Flow("email", "fan-in").
		Flow("sms", "fan-in").
		Flow("fan-in", "reminded")
}

func remind(channel string) process.Delegate {
	return func(ae process.ActivityExecution) error {
		return ae.SetVariableLocal("sent_"+channel, true)
	}
}

// paymentProcess charges a card asynchronously. A declined card fails the
// job until its retries run out and an incident is raised.
func paymentProcess() *process.Builder {
	return process.New(PaymentProcess, "1.0.0").
		Name("Card payment").
		StartEvent("checkout").
		ServiceTask("charge", chargeCard, process.AsyncBefore()).
		EndEvent("paid").
		Flow("checkout", "charge").
		Flow("charge", "paid")
}

func chargeCard(ae process.ActivityExecution) error {
	card, _, err := ae.Variable("card")
	if err != nil {
		return err
	}
	if card == "declined" {
		return errors.Newf("card declined for instance %s", ae.ProcessInstanceID())
	}
	return ae.SetVariable("charged", true)
}
