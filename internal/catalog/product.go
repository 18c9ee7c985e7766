package catalog

import (
	"encoding/json"
	"math"
	"strings"

	"bot-pedidos/internal/flexjson"
)

// Product is a catalog entry as cached on disk.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Stock       int    `json:"stock"`
	ImageURL    string `json:"image_url,omitempty"`
}

// UnmarshalJSON accepts the spreadsheet export's Spanish headers as well as the cache format.
func (p *Product) UnmarshalJSON(data []byte) error {
	f, err := flexjson.Decode(data)
	if err != nil {
		return err
	}
	price, _ := f.Number("price", "precio", "valor")
	stock, _ := f.Number("stock", "existencias", "cantidad")
	p.ID = f.String("id", "codigo", "code", "sku", "referencia")
	p.Name = f.String("name", "nombre", "producto")
	p.Description = f.String("description", "descripcion", "detalle")
	p.Price = int64(math.Round(price))
	p.Stock = int(stock)
	p.ImageURL = f.String("image_url", "imageUrl", "imagen", "image")
	return nil
}

// parseProducts accepts a bare array or an object wrapping it.
func parseProducts(data []byte) ([]Product, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var direct []Product
	if err := json.Unmarshal(data, &direct); err == nil {
		return direct, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	for _, key := range []string{"data", "products", "productos", "items"} {
		if inner, ok := envelope[key]; ok {
			var items []Product
			if err := json.Unmarshal(inner, &items); err != nil {
				return nil, err
			}
			return items, nil
		}
	}
	return nil, nil
}
