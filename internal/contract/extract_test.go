package contract

import (
	"context"
	"strings"
	"testing"

	"blastradius/internal/change"
)

const paymentControllerBefore = `package com.acme.payments;

import org.springframework.web.bind.annotation.*;

@RestController
@RequestMapping("/api/payments")
public class PaymentController {

    @GetMapping
    public List<Payment> list(@RequestParam(required = false) String status) {
        return service.list(status);
    }

    @PostMapping
    public ResponseEntity<Payment> create(@Valid @RequestBody PaymentRequest request) {
        return ResponseEntity.ok(service.create(request));
    }
}

class PaymentRequest {
    @NotNull
    private BigDecimal amount;
    @NotBlank
    private String currency;
    private String note;
}

class Payment {
    private String id;
    private BigDecimal amount;
}
`

// paymentControllerAfter drops the validated amount field (old lines 21-22).
var paymentControllerAfter = strings.Replace(paymentControllerBefore,
	"    @NotNull\n    private BigDecimal amount;\n", "", 1)

func findEndpoint(t *testing.T, eps []Endpoint, key string) Endpoint {
	t.Helper()
	for _, ep := range eps {
		if ep.Key() == key {
			return ep
		}
	}
	keys := make([]string, len(eps))
	for i, ep := range eps {
		keys[i] = ep.Key()
	}
	t.Fatalf("endpoint %s not found in %v", key, keys)
	return Endpoint{}
}

func findParam(t *testing.T, ep Endpoint, name string) Param {
	t.Helper()
	for _, p := range ep.Params {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("%s: parameter %q not found in %+v", ep.Key(), name, ep.Params)
	return Param{}
}

func fieldNames(fields []Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
		if f.Optional {
			names[i] += "?"
		}
	}
	return strings.Join(names, ",")
}

func TestExtractorFor(t *testing.T) {
	tests := []struct {
		path string
		src  string
		want string
	}{
		{"src/PaymentController.java", paymentControllerBefore, "spring"},
		{"app/routes.py", "from fastapi import APIRouter\n", "python"},
		{"app/util.py", "import os\n", ""},
		{"server/routes.ts", "import express from 'express';\n", "express"},
		{"api/server.go", "package api\n\nimport \"net/http\"\n", "go-http"},
		{"api/server_test.go", "package api\n\nimport \"net/http\"\n", ""},
		{"README.md", "# routes", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ex := ExtractorFor(tt.path, []byte(tt.src))
			got := ""
			if ex != nil {
				got = ex.Name()
			}
			if got != tt.want {
				t.Errorf("ExtractorFor(%s) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestSpringExtractor(t *testing.T) {
	eps, err := ExtractFile(context.Background(), "src/PaymentController.java", []byte(paymentControllerBefore))
	if err != nil {
		t.Fatalf("ExtractFile() error = %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2: %+v", len(eps), eps)
	}

	list := findEndpoint(t, eps, "GET /api/payments")
	if list.Handler != "list" || list.Line != 9 || list.EndLine != 12 {
		t.Errorf("list = handler %q lines %d-%d", list.Handler, list.Line, list.EndLine)
	}
	if p := findParam(t, list, "status"); p.In != "query" || p.Required {
		t.Errorf("status = %+v, want optional query", p)
	}
	if list.ResponseType != "List<Payment>" || fieldNames(list.ResponseFields) != "id,amount" {
		t.Errorf("list response = %s %s", list.ResponseType, fieldNames(list.ResponseFields))
	}

	create := findEndpoint(t, eps, "POST /api/payments")
	if create.ResponseType != "Payment" {
		t.Errorf("create response type = %q, want Payment", create.ResponseType)
	}
	if p := findParam(t, create, "amount"); p.In != "body" || !p.Required || p.Type != "BigDecimal" {
		t.Errorf("amount = %+v, want required BigDecimal body field", p)
	}
	if p := findParam(t, create, "currency"); !p.Required {
		t.Errorf("currency = %+v, want required", p)
	}
	if p := findParam(t, create, "note"); p.Required {
		t.Errorf("note = %+v, want optional", p)
	}
	if !create.Touches([]int{22}) || list.Touches([]int{22}) {
		t.Error("request model lines should belong to create only")
	}
}

func TestSpringExtractor_CommentsDoNotShiftStructure(t *testing.T) {
	src := `package com.acme.orders;

@RestController
@RequestMapping("/api/orders")
public class OrderController {
    /* legacy handler removed } see PAY-12 */

    // @DeleteMapping("/{id}") retired with v1
    @GetMapping("/{id}")
    public Order get(@PathVariable String id) {
        return service.get(id); // closes } nothing
    }

    @PostMapping
    public Order create(@RequestBody Order order) {
        return service.create(order);
    }
}

class Order {
    private String id;
    private String status;
}
`
	eps, err := ExtractFile(context.Background(), "src/OrderController.java", []byte(src))
	if err != nil {
		t.Fatalf("ExtractFile() error = %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2: %+v", len(eps), eps)
	}
	get := findEndpoint(t, eps, "GET /api/orders/{id}")
	if get.Line != 9 || get.EndLine != 12 {
		t.Errorf("get lines = %d-%d, want 9-12", get.Line, get.EndLine)
	}
	if p := findParam(t, get, "id"); p.In != "path" {
		t.Errorf("id = %+v, want path parameter", p)
	}
	create := findEndpoint(t, eps, "POST /api/orders")
	if fieldNames(create.ResponseFields) != "id,status" {
		t.Errorf("create response = %s, want id,status", fieldNames(create.ResponseFields))
	}
}

func TestLexOutline(t *testing.T) {
	src := "a := \"// not a comment\" // gone\n/* one\n} two */ b := '/'\nc {\n}\n"
	o := lexOutline([]byte(src))
	want := []string{
		`a := "// not a comment"        `,
		"      ",
		"         b := '/'",
		"c {",
		"}",
		"",
	}
	if len(o.lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(o.lines), len(want), o.lines)
	}
	for i := range want {
		if o.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, o.lines[i], want[i])
		}
	}
	if got := o.blockEnd(1); got != 5 {
		t.Errorf("blockEnd(1) = %d, want 5", got)
	}
	if o.insideClass(3) || !o.insideClass(4) {
		t.Error("insideClass should follow the brace opened on line 4")
	}
}

func TestSpringPaymentScenario(t *testing.T) {
	ctx := context.Background()
	before, err := ExtractFile(ctx, "PaymentController.java", []byte(paymentControllerBefore))
	if err != nil {
		t.Fatal(err)
	}
	after, err := ExtractFile(ctx, "PaymentController.java", []byte(paymentControllerAfter))
	if err != nil {
		t.Fatal(err)
	}

	changes := Diff(ctx, before, after, Options{})
	if len(changes) != 1 {
		t.Fatalf("Diff() = %+v, want exactly the create endpoint", changes)
	}
	c := changes[0]
	if c.Key() != "POST /api/payments" {
		t.Errorf("changed endpoint = %s, want POST /api/payments (not the sibling list route)", c.Key())
	}
	if !c.IsBreaking || !contains(c.Reasons, `body parameter "amount" removed`) {
		t.Errorf("change = %+v, want breaking removal of amount", c)
	}
}

func paymentDiff() change.Change {
	return change.Change{
		Kind:     change.KindAPI,
		TargetID: "src/PaymentController.java",
		Files: []change.ChangedFile{{
			OldPath: "src/PaymentController.java",
			NewPath: "src/PaymentController.java",
			Hunks: []change.Hunk{{
				OldStart: 20, OldLines: 4, NewStart: 20, NewLines: 2,
				Removed: []change.Line{
					{Number: 21, Text: "    @NotNull"},
					{Number: 22, Text: "    private BigDecimal amount;"},
				},
				Body: []string{
					" class PaymentRequest {",
					"-    @NotNull",
					"-    private BigDecimal amount;",
					"     @NotBlank",
				},
			}},
		}},
	}
}

func TestFromDiff_RestrictsToTouchedEndpoints(t *testing.T) {
	read := func(path string) ([]byte, error) {
		if path != "src/PaymentController.java" {
			t.Fatalf("unexpected read of %s", path)
		}
		return []byte(paymentControllerAfter), nil
	}

	got, err := FromDiff(context.Background(), paymentDiff(), read)
	if err != nil {
		t.Fatalf("FromDiff() error = %v", err)
	}
	if got.Partial {
		t.Error("Partial = true with a readable source")
	}
	if len(got.Keys) != 1 || !got.Keys["POST /api/payments"] {
		t.Fatalf("Keys = %v, want only POST /api/payments", got.Keys)
	}
	if len(got.Before) != 1 || len(got.After) != 1 {
		t.Fatalf("Before/After = %d/%d endpoints, want 1/1", len(got.Before), len(got.After))
	}

	changes := Diff(context.Background(), got.Before, got.After, Options{Only: got.Keys})
	if len(changes) != 1 || !changes[0].IsBreaking {
		t.Fatalf("Diff() = %+v, want one breaking change", changes)
	}
}

func TestFromDiff_FragmentFallback(t *testing.T) {
	got, err := FromDiff(context.Background(), paymentDiff(), nil)
	if err != nil {
		t.Fatalf("FromDiff() error = %v", err)
	}
	if !got.Partial {
		t.Error("Partial = false without a source reader")
	}
	if got.Keys["GET /api/payments"] {
		t.Error("sibling route attributed from a fragment")
	}
}

func TestReverseApply(t *testing.T) {
	after := strings.Split(paymentControllerAfter, "\n")
	got := strings.Join(reverseApply(after, paymentDiff().Files[0].Hunks), "\n")
	if got != paymentControllerBefore {
		t.Errorf("reverseApply() did not rebuild the pre-image:\n%s", got)
	}
}

func TestReverseApply_PureDeletion(t *testing.T) {
	after := []string{"a", "b", "e"}
	hunks := []change.Hunk{{
		OldStart: 3, OldLines: 2, NewStart: 2, NewLines: 0,
		Body: []string{"-c", "-d"},
	}}
	got := strings.Join(reverseApply(after, hunks), ",")
	if got != "a,b,c,d,e" {
		t.Errorf("reverseApply() = %s, want a,b,c,d,e", got)
	}
}

const fastAPIRoutes = `from fastapi import APIRouter, Depends
from pydantic import BaseModel
from typing import Optional

router = APIRouter(prefix="/orders")


class OrderIn(BaseModel):
    sku: str
    quantity: int
    note: Optional[str] = None


class OrderOut(BaseModel):
    id: int
    sku: str


@router.post("/", response_model=OrderOut)
async def create_order(order: OrderIn, db: Session = Depends(get_db)):
    return save(order)


@router.get("/{order_id}")
def get_order(order_id: int, expand: bool = False) -> OrderOut:
    return load(order_id)
`

func TestPythonExtractor_FastAPI(t *testing.T) {
	eps, err := ExtractFile(context.Background(), "app/orders.py", []byte(fastAPIRoutes))
	if err != nil {
		t.Fatalf("ExtractFile() error = %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2: %+v", len(eps), eps)
	}

	create := findEndpoint(t, eps, "POST /orders")
	if create.Handler != "create_order" || create.ResponseType != "OrderOut" {
		t.Errorf("create = handler %q response %q", create.Handler, create.ResponseType)
	}
	if p := findParam(t, create, "sku"); p.In != "body" || !p.Required {
		t.Errorf("sku = %+v, want required body field", p)
	}
	if p := findParam(t, create, "note"); p.Required || p.Type != "str" {
		t.Errorf("note = %+v, want optional str", p)
	}
	for _, p := range create.Params {
		if p.Name == "db" || p.Name == "order" {
			t.Errorf("dependency or model argument leaked as parameter: %+v", p)
		}
	}
	if fieldNames(create.ResponseFields) != "id,sku" {
		t.Errorf("create response fields = %s", fieldNames(create.ResponseFields))
	}

	get := findEndpoint(t, eps, "GET /orders/{}")
	if p := findParam(t, get, "order_id"); p.In != "path" || !p.Required {
		t.Errorf("order_id = %+v, want required path param", p)
	}
	if p := findParam(t, get, "expand"); p.In != "query" || p.Required || p.Type != "bool" {
		t.Errorf("expand = %+v, want optional bool query param", p)
	}
	if get.ResponseType != "OrderOut" {
		t.Errorf("get response type = %q, want OrderOut from the annotation", get.ResponseType)
	}
}

const flaskRoutes = `from flask import Blueprint, request, jsonify

bp = Blueprint("users", __name__, url_prefix="/users")


@bp.route("/<int:user_id>", methods=["GET", "PUT"])
def user(user_id):
    if request.method == "PUT":
        name = request.json["name"]
        email = request.json.get("email")
    return jsonify({})
`

func TestPythonExtractor_Flask(t *testing.T) {
	eps, err := ExtractFile(context.Background(), "app/users.py", []byte(flaskRoutes))
	if err != nil {
		t.Fatalf("ExtractFile() error = %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want GET and PUT: %+v", len(eps), eps)
	}
	put := findEndpoint(t, eps, "PUT /users/{}")
	if p := findParam(t, put, "user_id"); p.In != "path" {
		t.Errorf("user_id = %+v, want path param", p)
	}
	if p := findParam(t, put, "name"); !p.Required || p.In != "body" {
		t.Errorf("name = %+v, want required body field", p)
	}
	if p := findParam(t, put, "email"); p.Required {
		t.Errorf("email = %+v, want optional", p)
	}
	findEndpoint(t, eps, "GET /users/{}")
}

const expressRoutesBefore = `const express = require('express');
const router = express.Router();
const app = express();

app.use('/api/v1', router);

router.get('/payments', listPayments);
router.post('/payments', async (req, res) => {
  const { amount, currency, note } = req.body;
  if (!amount) {
    return res.status(400).json({ error: 'amount required' });
  }
  res.status(201).json({ id: 1, amount, currency });
});

function listPayments(req, res) {
  const limit = req.query.limit;
  res.json({ items: [], total: 0 });
}
`

func TestExpressExtractor(t *testing.T) {
	eps, err := ExtractFile(context.Background(), "server/payments.js", []byte(expressRoutesBefore))
	if err != nil {
		t.Fatalf("ExtractFile() error = %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2: %+v", len(eps), eps)
	}

	list := findEndpoint(t, eps, "GET /api/v1/payments")
	if list.Handler != "listPayments" {
		t.Errorf("list handler = %q", list.Handler)
	}
	if p := findParam(t, list, "limit"); p.In != "query" || p.Required {
		t.Errorf("limit = %+v, want optional query param", p)
	}
	if fieldNames(list.ResponseFields) != "items,total" {
		t.Errorf("list response fields = %s", fieldNames(list.ResponseFields))
	}
	if !list.Touches([]int{18}) {
		t.Error("handler body should belong to the list route")
	}

	create := findEndpoint(t, eps, "POST /api/v1/payments")
	if p := findParam(t, create, "amount"); !p.Required {
		t.Errorf("amount = %+v, want required by its guard", p)
	}
	if p := findParam(t, create, "currency"); p.Required {
		t.Errorf("currency = %+v, want optional", p)
	}
	if fieldNames(create.ResponseFields) != "id,amount,currency" {
		t.Errorf("create response fields = %s, want the success payload", fieldNames(create.ResponseFields))
	}
}

func TestExpressOptionalResponseFieldScenario(t *testing.T) {
	ctx := context.Background()
	after := strings.Replace(expressRoutesBefore,
		"res.status(201).json({ id: 1, amount, currency });",
		"res.status(201).json({ id: 1, amount, currency, receipt_url: null });", 1)

	before, err := ExtractFile(ctx, "payments.js", []byte(expressRoutesBefore))
	if err != nil {
		t.Fatal(err)
	}
	next, err := ExtractFile(ctx, "payments.js", []byte(after))
	if err != nil {
		t.Fatal(err)
	}
	changes := Diff(ctx, before, next, Options{})
	if len(changes) != 1 {
		t.Fatalf("Diff() = %+v, want one change", changes)
	}
	if changes[0].IsBreaking || changes[0].Compatibility != NonBreaking {
		t.Errorf("adding a response field = %+v, want non-breaking", changes[0])
	}
}

// Struct tags need backquotes, which a raw string cannot hold.
var ginRoutes = strings.ReplaceAll(`package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type CreateUserRequest struct {
	Name  string ~json:"name" binding:"required"~
	Email string ~json:"email,omitempty"~
}

type User struct {
	ID    int64   ~json:"id"~
	Name  string  ~json:"name"~
	Phone *string ~json:"phone"~
}

func Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/users", createUser)
	v1.GET("/users/:id", getUser)
}

func createUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := User{Name: req.Name}
	c.JSON(http.StatusCreated, user)
}

func getUser(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"id": id})
}
`, "~", "`")

func TestGoHTTPExtractor(t *testing.T) {
	eps, err := ExtractFile(context.Background(), "api/routes.go", []byte(ginRoutes))
	if err != nil {
		t.Fatalf("ExtractFile() error = %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2: %+v", len(eps), eps)
	}

	create := findEndpoint(t, eps, "POST /v1/users")
	if create.Handler != "createUser" || create.ResponseType != "User" {
		t.Errorf("create = handler %q response %q", create.Handler, create.ResponseType)
	}
	if p := findParam(t, create, "name"); !p.Required || p.In != "body" {
		t.Errorf("name = %+v, want required body field", p)
	}
	if p := findParam(t, create, "email"); p.Required {
		t.Errorf("email = %+v, want optional", p)
	}
	if fieldNames(create.ResponseFields) != "id,name,phone?" {
		t.Errorf("create response fields = %s", fieldNames(create.ResponseFields))
	}

	get := findEndpoint(t, eps, "GET /v1/users/{}")
	if p := findParam(t, get, "id"); p.In != "path" || !p.Required {
		t.Errorf("id = %+v, want path param", p)
	}
	if !IsGeneric(get.ResponseType) {
		t.Errorf("get response type = %q, want generic", get.ResponseType)
	}
}

func TestNetHTTPPatterns(t *testing.T) {
	src := `package api

import "net/http"

func routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /items/{id}", updateItem)
	http.HandleFunc("/health", health)
}
`
	eps, err := ExtractFile(context.Background(), "api/mux.go", []byte(src))
	if err != nil {
		t.Fatalf("ExtractFile() error = %v", err)
	}
	findEndpoint(t, eps, "POST /items/{}")
	findEndpoint(t, eps, "ANY /health")
}

func TestTouchesRoute(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		lines []string
		want  bool
	}{
		{"python decorator", "app/orders.py", []string{`@router.post("/orders")`}, true},
		{"spring annotation", "PaymentController.java", []string{"    @NotNull"}, true},
		{"express route", "routes.js", []string{"router.get('/health', ok);"}, true},
		{"go struct tag", "api/types.go", []string{"\tName string `json:\"name\"`"}, true},
		{"plain go", "internal/util.go", []string{"x := 1"}, false},
		{"not a source file", "README.md", []string{"@router.post"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TouchesRoute(tt.path, tt.lines); got != tt.want {
				t.Errorf("TouchesRoute() = %v, want %v", got, tt.want)
			}
		})
	}
}
