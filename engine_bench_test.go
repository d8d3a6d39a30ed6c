package expedientes_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/oarkflow/expedientes"
	"github.com/oarkflow/expedientes/logger"
)

func benchFixture(b *testing.B, cached bool) *fixture {
	opts := []expedientes.EngineOption{expedientes.WithLogger(logger.NewNullLogger()), expedientes.WithoutRuleCache()}
	if cached {
		opts[1] = expedientes.WithRuleCache(1e4, 1e3, 64, time.Minute)
	}
	f := newFixture(b, opts...)
	for _, cond := range []expedientes.Condition{expedientes.ConditionOwner, expedientes.ConditionAssigned, expedientes.ConditionSameArea} {
		f.addRule(b, "tramitador", "mesa", cond, expedientes.BitEditar)
	}
	return f
}

func benchRequest() *expedientes.AccessRequest {
	return &expedientes.AccessRequest{
		Endpoint:     "PATCH /api/documents/{id}",
		Actor:        actor("100200", "tramitador", "mesa", 27),
		Bit:          expedientes.BitEditar,
		ResourceType: expedientes.ResourceDocument,
		Resource:     &expedientes.ResourceSnapshot{ID: "d1", OwnerID: "someone", AreaID: "mesa"},
	}
}

func BenchmarkDecideBypass(b *testing.B) {
	f := benchFixture(b, true)
	req := benchRequest()
	req.Actor = admin
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.engine.Decide(f.ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecideContextual(b *testing.B) {
	for _, cached := range []bool{false, true} {
		b.Run(fmt.Sprintf("cache=%t", cached), func(b *testing.B) {
			f := benchFixture(b, cached)
			req := benchRequest()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				d, err := f.engine.Decide(f.ctx, req)
				if err != nil || !d.Allowed {
					b.Fatalf("unexpected decision %+v, %v", d, err)
				}
			}
		})
	}
}

func BenchmarkLoadYAML(b *testing.B) {
	loader := expedientes.NewConfigLoader()
	data := []byte(sampleYAML)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := loader.LoadYAML(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseCondition(b *testing.B) {
	inputs := []string{"owner", "misma_area", `{"tipo":"supervisor"}`, "Assigned"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := expedientes.ParseCondition(inputs[i%len(inputs)]); err != nil {
			b.Fatal(err)
		}
	}
}
