// Package notify sends operator email for events that need a human, such as
// bank withdrawal requests. Delivery is best effort: callers log failures
// and move on, the ledger row is the source of truth.
package notify

import (
	"fmt"
	"net/smtp"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Mailer struct {
	host     string
	port     string
	username string
	password string
	from     string
	opsAddr  string
}

func NewMailer() *Mailer {
	return &Mailer{
		host:     viper.GetString("smtp.host"),
		port:     viper.GetString("smtp.port"),
		username: viper.GetString("smtp.username"),
		password: viper.GetString("smtp.password"),
		from:     viper.GetString("smtp.from"),
		opsAddr:  viper.GetString("smtp.ops_address"),
	}
}

// SendWithdrawalAlert mails the operations desk the bank details of a
// committed withdrawal so it can be paid out manually.
func (m *Mailer) SendWithdrawalAlert(email, phone string, amount decimal.Decimal, country, bankName, accountNumber, reference string) error {
	if m.host == "" || m.opsAddr == "" {
		return fmt.Errorf("smtp not configured")
	}

	subject := fmt.Sprintf("Withdrawal request %s", reference)
	body := fmt.Sprintf(
		"A withdrawal has been requested.\r\n\r\n"+
			"Reference: %s\r\nAccount: %s (%s)\r\nAmount: %s ZAR\r\n"+
			"Country: %s\r\nBank: %s\r\nAccount number: %s\r\n",
		reference, email, phone, amount.StringFixed(2), country, bankName, accountNumber)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", m.from, m.opsAddr, subject, body)

	auth := smtp.PlainAuth("", m.username, m.password, m.host)
	return smtp.SendMail(m.host+":"+m.port, auth, m.from, []string{m.opsAddr}, []byte(msg))
}
