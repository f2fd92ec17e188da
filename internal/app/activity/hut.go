package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/geo"
	"github.com/John-Robertt/alpinehuts/internal/provider"
	"github.com/John-Robertt/alpinehuts/internal/reconcile"
	"github.com/John-Robertt/alpinehuts/internal/store"
)

// UpdateHut 抓取单元属性并与存储对账。
//
// 流程：读已存 -> 抓取+解析 -> （按需）地理解析 -> 事务内重读并写入。
// 地理解析是网络调用，放在事务外；事务内重读保证写入基于最新快照。
func (a *Activities) UpdateHut(ctx context.Context, hutID int) domain.UnitResult {
	ctx, p, done, early := a.begin(ctx, hutID)
	defer done()
	if early != nil {
		return *early
	}
	src := p.Source()
	log := a.unitLog(hutID, src)
	res := domain.UnitResult{HutID: hutID}

	existing, err := a.d.Store.GetUnit(ctx, hutID)
	if err != nil {
		return storeFailure(hutID, err)
	}

	fetched, page, err := provider.FetchParseUnit(ctx, p, a.client(src), hutID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return a.unitNotFound(ctx, src, existing, hutID)
		}
		log.WithError(err).Warn("单元抓取失败")
		out := failure(hutID, err)
		if existing != nil {
			out.Name = existing.Name
		}
		return out
	}
	a.archive(src, hutID, page)
	res.Name = fetched.Name

	var loc *reconcile.Location
	if a.d.Geo != nil && reconcile.NeedsLocation(existing, fetched) {
		loc, err = a.resolveLocation(ctx, fetched)
		switch {
		case errors.Is(err, geo.ErrMissingAPIKey):
			res.Status = domain.StatusFailed
			res.ErrorCode = domain.ErrCodeConfigInvalid
			res.ErrorMsg = err.Error()
			return res
		case err != nil:
			log.WithError(err).Warn("地理解析失败，沿用已知位置")
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", domain.ErrCodeGeoFailed, err))
		}
	}

	var ops reconcile.UnitOps
	err = a.commit(ctx, func(r store.Repository) error {
		cur, err := r.GetUnit(ctx, hutID)
		if err != nil {
			return err
		}
		ops = reconcile.ReconcileUnit(cur, fetched, loc, a.d.Now())
		return ops.Apply(ctx, r)
	})
	if err != nil {
		log.WithError(err).Error("单元写入失败")
		out := storeFailure(hutID, err)
		out.Name = fetched.Name
		return out
	}

	switch ops.Action {
	case reconcile.UnitDelete:
		res.Status = domain.StatusDeleted
		res.ErrorCode = domain.ErrCodeExcluded
		res.RowsWritten = 1
	case reconcile.UnitSkip:
		res.Status = domain.StatusSkipped
		res.ErrorCode = domain.ErrCodeExcluded
	default:
		res.Status = domain.StatusProcessed
		res.RowsWritten = 1
	}
	if ops.Reason != "" {
		res.Warnings = append(res.Warnings, ops.Reason)
	}
	log.WithFields(logrus.Fields{"action": string(ops.Action), "activated": ops.Activated}).Info("单元已对账")
	return res
}

// unitNotFound：hutreservation 的“不存在”是确定性答复，删除已存单元；其余来源只跳过。
func (a *Activities) unitNotFound(ctx context.Context, src domain.Source, existing *domain.Hut, hutID int) domain.UnitResult {
	res := domain.UnitResult{HutID: hutID, Status: domain.StatusSkipped, ErrorCode: domain.ErrCodeNotFound}
	if existing == nil {
		return res
	}
	res.Name = existing.Name
	if src != domain.SourceHutReservation {
		return res
	}
	if err := a.commit(ctx, func(r store.Repository) error { return r.DeleteUnit(ctx, hutID) }); err != nil {
		out := storeFailure(hutID, err)
		out.Name = existing.Name
		return out
	}
	a.unitLog(hutID, src).Info("上游答复单元不存在，已删除")
	res.Status = domain.StatusDeleted
	res.RowsWritten = 1
	return res
}

// resolveLocation：上游给了合理坐标就直接反查地区，否则先按名称检索坐标。
// 任一步“查无结果”都不是错误，返回已得到的部分。
func (a *Activities) resolveLocation(ctx context.Context, fetched domain.FetchedUnit) (*reconcile.Location, error) {
	var lat, lon float64
	switch {
	case fetched.Latitude != nil && fetched.Longitude != nil && domain.PlausibleCoordinates(*fetched.Latitude, *fetched.Longitude):
		lat, lon = *fetched.Latitude, *fetched.Longitude
	default:
		c, err := a.d.Geo.ResolveCoordinates(ctx, fetched.Name)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
		lat, lon = c.Latitude, c.Longitude
	}

	loc := &reconcile.Location{Latitude: &lat, Longitude: &lon}
	region, err := a.d.Geo.ResolveRegion(ctx, lat, lon)
	if err != nil {
		if errors.Is(err, geo.ErrMissingAPIKey) {
			return nil, err
		}
		return loc, err
	}
	if region != nil {
		loc.Country, loc.Region = region.Country, region.Region
	}
	return loc, nil
}
