package stub

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

func displayPrice(p int64) string {
	return printer.Sprintf("HK$%d", p)
}

var pageTemplate = template.Must(template.New("listing").Funcs(template.FuncMap{
	"price": displayPrice,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Test Store - Bags &amp; Clutches</title></head>
<body>
<div class="products" id="products">
{{- range .Fixed}}
  <div class="product-card" data-product-id="{{.SKU}}">
    <img class="product-image" src="{{.Image}}" alt="{{.Name}}">
    <div class="product-name">{{.Name}}</div>
    <div class="product-price">{{price .Price}}</div>
    <div class="product-sku">SKU: {{.SKU}}</div>
    <a href="{{.URL}}" class="product-link">View Details</a>
  </div>
{{- end}}
</div>
<div id="dynamic-products">
{{- range .Dynamic}}
  <div class="product-card" data-product-id="{{.SKU}}">
    <img class="product-image" src="{{.Image}}" alt="{{.Name}}">
    <div class="product-name">{{.Name}} <span class="dynamic-badge">DYNAMIC</span></div>
    <div class="product-price">{{price .Price}}</div>
    <div class="product-sku">SKU: {{.SKU}}</div>
    <a href="{{.URL}}" class="product-link">View Details</a>
  </div>
{{- end}}
</div>
</body>
</html>
`))

var productTemplate = template.Must(template.New("product").Funcs(template.FuncMap{
	"price": displayPrice,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>{{.Name}}</title></head>
<body>
  <h1 class="product-title">{{.Name}}</h1>
  <div class="product-price">{{price .Price}}</div>
  <button data-add-to-bag type="button">Add to bag</button>
</body>
</html>
`))

type Server struct {
	catalog *Catalog
	logger  *slog.Logger
}

func NewServer(catalog *Catalog, logger *slog.Logger) *Server {
	return &Server{catalog: catalog, logger: logger.With("component", "stub_server")}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.index)
	r.Get("/product/{sku}", s.product)
	r.Route("/api", func(r chi.Router) {
		r.Get("/products", s.apiProducts)
		r.Get("/dynamic-products", s.apiDynamic)
	})
	return r
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Fixed   []Product
		Dynamic []Product
	}{s.catalog.Fixed(), s.catalog.Dynamic()}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		s.logger.Error("failed to render listing", "error", err)
	}
}

func (s *Server) product(w http.ResponseWriter, r *http.Request) {
	p, ok := s.catalog.Find(chi.URLParam(r, "sku"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := productTemplate.Execute(w, p); err != nil {
		s.logger.Error("failed to render product", "error", err)
	}
}

type productsResponse struct {
	Products     []Product `json:"products"`
	Timestamp    time.Time `json:"timestamp"`
	TotalCount   int       `json:"total_count,omitempty"`
	DynamicCount int       `json:"dynamic_count,omitempty"`
}

func (s *Server) apiProducts(w http.ResponseWriter, r *http.Request) {
	products := s.catalog.Products()
	s.respondJSON(w, productsResponse{
		Products:     products,
		Timestamp:    s.catalog.now(),
		TotalCount:   len(products),
		DynamicCount: len(products) - len(s.catalog.fixed),
	})
}

func (s *Server) apiDynamic(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, productsResponse{Products: s.catalog.Dynamic(), Timestamp: s.catalog.now()})
}

func (s *Server) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
