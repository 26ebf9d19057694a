package dunning

import (
	"fmt"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

// Message renders the text of a notice
func Message(n *models.DunningNotice, currency string) string {
	amount := fmt.Sprintf("%s %s", currency, n.Amount.StringFixed(2))
	due := n.DueDate.Format("2 Jan 2006")

	switch n.NoticeLevel {
	case models.NoticeLevelReminder:
		return fmt.Sprintf("Friendly reminder: your ride invoice of %s is past due. Please pay by %s.", amount, due)
	case models.NoticeLevelWarning:
		return fmt.Sprintf("Your ride invoice of %s is still unpaid. Pay by %s to avoid suspension of your account.", amount, due)
	case models.NoticeLevelSuspension:
		return fmt.Sprintf("Your account has been suspended for an unpaid invoice of %s. Pay the balance to reactivate it.", amount)
	default:
		return fmt.Sprintf("Your ride invoice of %s is overdue.", amount)
	}
}
