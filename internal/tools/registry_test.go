package tools

import (
	"context"
	"testing"

	"ChainPilot/internal/enrich"
	xerrors "ChainPilot/internal/errors"
)

type fakeMarket struct {
	metrics enrich.Snapshot[enrich.MemeMetrics]
	err     error
	calls   int
}

func (f *fakeMarket) MemeMetrics(_ context.Context, token string, tf enrich.Timeframe) (enrich.Snapshot[enrich.MemeMetrics], error) {
	f.calls++
	if f.err != nil {
		return enrich.Snapshot[enrich.MemeMetrics]{}, f.err
	}
	return f.metrics, nil
}

func (f *fakeMarket) OptimizeLaunch(context.Context, string) (enrich.Snapshot[enrich.LaunchParams], error) {
	return enrich.NewSnapshot(enrich.LaunchParams{}), nil
}

func newTestRegistry(t *testing.T, active []Name, deps Deps) *Registry {
	t.Helper()
	registry, err := NewRegistry(deps, active)
	if err != nil {
		t.Fatalf("创建注册表失败: %v", err)
	}
	return registry
}

func TestDispatchUnknownTool(t *testing.T) {
	registry := newTestRegistry(t, CoreSet(), Deps{})

	_, err := registry.Dispatch(context.Background(), Call{Name: "selfDestruct", Arguments: "{}"})
	if xerrors.CodeOf(err) != xerrors.CodeUnknownTool {
		t.Errorf("错误码 = %s, 期望 UNKNOWN_TOOL", xerrors.CodeOf(err))
	}
}

func TestCoreSetExcludesEnhancedTools(t *testing.T) {
	registry := newTestRegistry(t, CoreSet(), Deps{})

	_, err := registry.Dispatch(context.Background(), Call{Name: "analyzeMemeMetrics", Arguments: `{"token":"PEPE"}`})
	if xerrors.CodeOf(err) != xerrors.CodeUnknownTool {
		t.Errorf("错误码 = %s, 期望 UNKNOWN_TOOL", xerrors.CodeOf(err))
	}
}

func TestDispatchRejectsUnknownFields(t *testing.T) {
	// Agent 为 nil：若校验前触碰了处理器，测试会直接 panic。
	registry := newTestRegistry(t, CoreSet(), Deps{})

	_, err := registry.Dispatch(context.Background(), Call{
		Name:      "stake",
		Arguments: `{"amount":"1.5","bogus":true}`,
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArguments {
		t.Errorf("错误码 = %s, 期望 INVALID_ARGUMENTS", xerrors.CodeOf(err))
	}
}

func TestDispatchValidateNamesViolatingField(t *testing.T) {
	registry := newTestRegistry(t, CoreSet(), Deps{})

	_, err := registry.Dispatch(context.Background(), Call{Name: "stake", Arguments: "{}"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArguments {
		t.Fatalf("错误码 = %s, 期望 INVALID_ARGUMENTS", xerrors.CodeOf(err))
	}
	coded, ok := xerrors.From(err)
	if !ok {
		t.Fatal("期望统一错误类型")
	}
	if coded.Metadata()["field"] != "amount" {
		t.Errorf("违规字段 = %q, 期望 amount", coded.Metadata()["field"])
	}
}

func TestDispatchMemeMetrics(t *testing.T) {
	market := &fakeMarket{metrics: enrich.NewSnapshot(enrich.MemeMetrics{
		Token:         "PEPE",
		ViralityScore: 92,
	})}
	registry := newTestRegistry(t, EnhancedSet(), Deps{Market: market})

	result, err := registry.Dispatch(context.Background(), Call{
		Name:      "analyzeMemeMetrics",
		Arguments: `{"token":"PEPE","timeframe":"7d"}`,
	})
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	if market.calls != 1 {
		t.Errorf("分析服务被调用 %d 次, 期望 1", market.calls)
	}
	snap, ok := result.Content.(enrich.Snapshot[enrich.MemeMetrics])
	if !ok {
		t.Fatalf("结果类型 = %T", result.Content)
	}
	if snap.Data.ViralityScore != 92 {
		t.Errorf("virality = %v, 期望 92", snap.Data.ViralityScore)
	}
	if result.Instruction != nil {
		t.Error("只读工具不应返回指令")
	}
}

func TestDispatchPropagatesDataUnavailable(t *testing.T) {
	market := &fakeMarket{err: enrich.Unavailable("NOPE", "test")}
	registry := newTestRegistry(t, EnhancedSet(), Deps{Market: market})

	_, err := registry.Dispatch(context.Background(), Call{
		Name:      "analyzeMemeMetrics",
		Arguments: `{"token":"NOPE"}`,
	})
	if xerrors.CodeOf(err) != xerrors.CodeDataUnavailable {
		t.Errorf("错误码 = %s, 期望 DATA_UNAVAILABLE", xerrors.CodeOf(err))
	}
}

func TestMutatingFlags(t *testing.T) {
	registry := newTestRegistry(t, EnhancedSet(), Deps{})

	mutating := []string{"stake", "mintNFT", "swapTokens", "deployToken", "launchToken"}
	for _, name := range mutating {
		if !registry.Mutating(name) {
			t.Errorf("%s 应当标记为可变更", name)
		}
	}
	readonly := []string{"checkTokenPrice", "analyzeMemeMetrics", "monitorTransactions"}
	for _, name := range readonly {
		if registry.Mutating(name) {
			t.Errorf("%s 不应标记为可变更", name)
		}
	}
	if registry.Mutating("nope") {
		t.Error("未知工具不应标记为可变更")
	}
}

func TestSpecsOrderStable(t *testing.T) {
	registry := newTestRegistry(t, CoreSet(), Deps{})
	specs := registry.Specs()
	if len(specs) != len(CoreSet()) {
		t.Fatalf("声明数量 = %d, 期望 %d", len(specs), len(CoreSet()))
	}
	for i, name := range CoreSet() {
		if specs[i].Name != string(name) {
			t.Errorf("specs[%d] = %s, 期望 %s", i, specs[i].Name, name)
		}
	}
}
