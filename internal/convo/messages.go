package convo

import (
	"fmt"
	"strings"

	"bot-pedidos/internal/catalog"
	"bot-pedidos/internal/repo"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	msgCatalogCaption  = "Este es nuestro catálogo de productos."
	msgAskProduct      = "Escribe el nombre o el código del producto que te interesa."
	msgYesNo           = "Por favor responde *si* o *no*."
	msgAskOtherProduct = "Entendido. Si quieres ver otro producto escribe su nombre o código."
	msgAskName         = "¡Perfecto! ¿Cuál es tu nombre completo?"
	msgAskID           = "Gracias. ¿Cuál es tu número de cédula?"
	msgRestartBasics   = "Vamos de nuevo. ¿Cuál es tu nombre completo?"
	msgAskNeighborhood = "¿En qué barrio hacemos la entrega?"
	msgAskAddress      = "¿Cuál es la dirección exacta?"
	msgAskCity         = "¿En qué ciudad?"
	msgComputing       = "Estoy calculando el costo del domicilio, un momento por favor..."
	msgQuoteFailed     = "No pude calcular el costo del domicilio para esa dirección. Revisa la ciudad y envíala de nuevo."
	msgOrderCancelled  = "Pedido cancelado. Si deseas otro producto escribe su nombre o código."
	msgReceiptRetry    = "No pude descargar la imagen del comprobante. Por favor envíala de nuevo."
	msgOrderFailed     = "Lo sentimos, tuvimos un problema registrando tu pedido. Un asesor revisará tu pago y te contactará pronto."
)

func formatMoney(v int64) string {
	return "$" + message.NewPrinter(language.Spanish).Sprintf("%d", v)
}

func phoneOf(sender string) string {
	if i := strings.IndexByte(sender, '@'); i >= 0 {
		return sender[:i]
	}
	return sender
}

func formatWelcome(displayName string) string {
	greeting := "¡Hola!"
	if displayName != "" {
		greeting = fmt.Sprintf("¡Hola, %s!", displayName)
	}
	return greeting + " Bienvenido a nuestra tienda. Te comparto el catálogo; " +
		"escribe el nombre o el código del producto que te interesa."
}

func formatNotFound(query string) string {
	return fmt.Sprintf("No encontré productos para \"%s\". Revisa el catálogo e intenta con otro nombre o código.", query)
}

func formatProductCard(p catalog.Product) string {
	var builder strings.Builder
	builder.WriteString("*")
	builder.WriteString(p.Name)
	builder.WriteString("*")
	if p.ID != "" {
		builder.WriteString(" (")
		builder.WriteString(p.ID)
		builder.WriteString(")")
	}
	builder.WriteString("\n")
	if p.Description != "" {
		builder.WriteString(p.Description)
		builder.WriteString("\n")
	}
	builder.WriteString("Precio: ")
	builder.WriteString(formatMoney(p.Price))
	builder.WriteString("\n\n¿Deseas pedir este producto? Responde *si* o *no*.")
	return builder.String()
}

func formatBasics(f *Form) string {
	return fmt.Sprintf("Confirma tus datos:\nNombre: %s\nCédula: %s\n\n¿Son correctos? Responde *si* o *no*.", f.Name, f.IDNumber)
}

func formatOrderSummary(p catalog.Product, f *Form) string {
	var builder strings.Builder
	builder.WriteString("*Resumen de tu pedido*\n")
	builder.WriteString(fmt.Sprintf("Producto: %s\n", p.Name))
	builder.WriteString(fmt.Sprintf("Precio: %s\n", formatMoney(p.Price)))
	builder.WriteString(fmt.Sprintf("Domicilio: %s\n", formatMoney(f.DeliveryCost)))
	builder.WriteString(fmt.Sprintf("*Total: %s*\n\n", formatMoney(p.Price+f.DeliveryCost)))
	builder.WriteString(fmt.Sprintf("Nombre: %s\nCédula: %s\n", f.Name, f.IDNumber))
	builder.WriteString(fmt.Sprintf("Dirección: %s, %s, %s\n\n", f.Address, f.Neighborhood, f.City))
	builder.WriteString("¿Confirmas el pedido? Responde *si* o *no*.")
	return builder.String()
}

func formatPaymentInstructions(instructions string, total int64) string {
	return fmt.Sprintf("Total a pagar: *%s*\n\n%s\n\nCuando realices el pago envía aquí la foto del comprobante.",
		formatMoney(total), strings.TrimSpace(instructions))
}

func formatThanks(orderID string) string {
	return fmt.Sprintf("¡Gracias por tu compra! Recibimos tu comprobante. Tu pedido *%s* quedó registrado y un asesor te contactará pronto.", orderID)
}

func formatOperatorOrder(o *repo.Order) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("🛒 *Nuevo pedido* %s\n", o.ID))
	builder.WriteString(fmt.Sprintf("Cliente: %s\n", o.Customer.Name))
	builder.WriteString(fmt.Sprintf("Cédula: %s\n", o.Customer.IDNumber))
	builder.WriteString(fmt.Sprintf("Teléfono: %s\n", phoneOf(o.Customer.Sender)))
	builder.WriteString(fmt.Sprintf("Dirección: %s\n", o.Customer.Address))
	builder.WriteString(fmt.Sprintf("Barrio: %s\n", o.Customer.Neighborhood))
	builder.WriteString(fmt.Sprintf("Ciudad: %s\n", o.Customer.City))
	builder.WriteString(fmt.Sprintf("Producto: %s (%s)\n", o.Product.Name, o.Product.ID))
	builder.WriteString(fmt.Sprintf("Precio: %s\n", formatMoney(o.Payment.ProductPrice)))
	builder.WriteString(fmt.Sprintf("Domicilio: %s\n", formatMoney(o.Payment.DeliveryCost)))
	builder.WriteString(fmt.Sprintf("*Total: %s*", formatMoney(o.Payment.Total)))
	return builder.String()
}

func formatOperatorFailure(p *PendingPayment) string {
	return fmt.Sprintf("⚠️ No se pudo registrar el pedido de %s (%s).\nProducto: %s\nTotal: %s\nEl cliente envió comprobante; revisa el pago manualmente.",
		p.Customer.Name, phoneOf(p.Customer.Sender), p.Product.Name, formatMoney(p.Total()))
}

func formatThumbnailCaption(orderID string) string {
	return fmt.Sprintf("Comprobante (vista previa) del pedido %s", orderID)
}

func formatManualFollowUp(o *repo.Order) string {
	return fmt.Sprintf("⚠️ No se pudo reenviar el comprobante del pedido %s. Contacta a %s (%s) para solicitarlo.",
		o.ID, o.Customer.Name, phoneOf(o.Customer.Sender))
}
