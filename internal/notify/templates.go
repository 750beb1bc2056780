package notify

import "fmt"

// ReasonPlaceholder текст, если причина отказа неизвестна
const ReasonPlaceholder = "Reason not provided"

// Email тема и текст письма
type Email struct {
	Subject string
	Body    string
}

// OrderProcessed письмо об успешной обработке заказа
func OrderProcessed(orderID int64) Email {
	return Email{
		Subject: fmt.Sprintf("Order #%d processed successfully", orderID),
		Body: fmt.Sprintf(`Hello!

Your order #%d has been processed successfully.

Thank you for shopping with us!

Best regards,
Stock System
`, orderID),
	}
}

// PaymentFailed письмо об отказе в оплате
func PaymentFailed(orderID int64, reason string) Email {
	if reason == "" {
		reason = ReasonPlaceholder
	}
	return Email{
		Subject: fmt.Sprintf("Payment for order #%d failed", orderID),
		Body: fmt.Sprintf(`Hello!

Unfortunately there was a problem processing the payment for your order #%d.

Reason: %s

Please check your payment details and try again.

If you need help, reply to this email.

Best regards,
Payments Team
`, orderID, reason),
	}
}
