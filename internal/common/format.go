package common

import (
	"fmt"
	"strings"

	"sms-rental-ledger/internal/models"
)

const (
	// Default separator widths
	DefaultWidth = 80
	WideWidth    = 100
)

// PrintSeparator prints a separator line with the specified character and width
func PrintSeparator(char string, width int) {
	fmt.Println(strings.Repeat(char, width))
}

// PrintHeader prints a formatted header with title and separators
func PrintHeader(title string, width int) {
	fmt.Println("\n" + strings.Repeat("=", width))
	fmt.Println(title)
	PrintSeparator("=", width)
}

// PrintFooter prints a formatted footer with message and separators
func PrintFooter(message string, width int) {
	fmt.Println("\n" + strings.Repeat("=", width))
	fmt.Println(message)
	fmt.Println(strings.Repeat("=", width) + "\n")
}

// BoxPrefix returns the appropriate box-drawing prefix for list items
func BoxPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

// PrintLedger prints one user's balances followed by their pending holds.
func PrintLedger(ledger *models.UserLedger, pending []models.Reservation) {
	fmt.Printf("\nUser %s\n", ledger.UserId)
	fmt.Printf("├ balance    %s\n", ledger.Balance.StringFixed(4))
	fmt.Printf("├ frozen     %s\n", ledger.FrozenBalance.StringFixed(4))
	fmt.Printf("├ available  %s\n", ledger.Available().StringFixed(4))

	if len(pending) == 0 {
		fmt.Println("└ no pending reservations")
		return
	}
	fmt.Printf("└ %d pending reservation(s)\n", len(pending))
	for i, r := range pending {
		fmt.Printf("   %s%s %-10s %12s  deadline %s  %s\n",
			BoxPrefix(i == len(pending)-1),
			r.Id, r.Kind, r.FrozenAmount.StringFixed(4),
			r.Deadline.Format("2006-01-02 15:04:05Z07:00"),
			orderLabel(r))
	}
}

// PrintDriftReport prints one reconciliation result.
func PrintDriftReport(report models.DriftReport) {
	status := "OK"
	switch {
	case report.Corrected:
		status = "CORRECTED"
	case report.Drifted:
		status = "DRIFT"
	}

	fmt.Printf("%-10s %-38s stored %12s  expected %12s  drift %12s (%s)  pending %d\n",
		status, report.UserId,
		report.StoredFrozen.StringFixed(4),
		report.ExpectedFrozen.StringFixed(4),
		report.AbsDifference.StringFixed(4),
		report.Difference.StringFixed(4),
		report.PendingCount)

	for i, a := range report.Anomalies {
		fmt.Printf("   %s%s %s frozen %s: %s\n",
			BoxPrefix(i == len(report.Anomalies)-1),
			a.ReservationId, a.State, a.FrozenAmount.StringFixed(4), a.Description)
	}
}

func orderLabel(r models.Reservation) string {
	if r.ProviderOrderId == "" {
		return "(no provider order)"
	}
	return r.Provider + "/" + r.ProviderOrderId
}
